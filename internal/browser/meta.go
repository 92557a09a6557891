package browser

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// responseMeta keeps the latest top-level document response seen on the tab.
// The first document response fixes the main frame; documents loaded by
// other frames (ads, embedded challenge widgets) are ignored.
type responseMeta struct {
	mu        sync.RWMutex
	resp      Response
	mainFrame cdp.FrameID
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.resp = Response{}
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.FrameID != "" {
		if m.mainFrame == "" {
			m.mainFrame = event.FrameID
		} else if event.FrameID != m.mainFrame {
			return
		}
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.resp = Response{
		URL:      event.Response.URL,
		Status:   int(event.Response.Status),
		MimeType: event.Response.MimeType,
		Headers:  headers,
	}
}

func (m *responseMeta) snapshot() Response {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.resp
	if out.Headers != nil {
		out.Headers = out.Headers.Clone()
	}
	return out
}
