// Package fetch defines the request, result and failure types shared by every
// fetch strategy and the orchestrator that cascades through them.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// StrategyName identifies a fetch strategy.
type StrategyName string

// Known strategies, ordered from cheapest to most capable.
const (
	StrategyPlain       StrategyName = "plain"
	StrategyImpersonate StrategyName = "impersonate"
	StrategyRendered    StrategyName = "rendered"
)

// DefaultOrder is the cascade order used when the caller does not force one.
var DefaultOrder = []StrategyName{StrategyPlain, StrategyImpersonate, StrategyRendered}

// ParseStrategyName validates a configured strategy name.
func ParseStrategyName(raw string) (StrategyName, error) {
	switch name := StrategyName(raw); name {
	case StrategyPlain, StrategyImpersonate, StrategyRendered:
		return name, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", raw)
	}
}

// Proxy describes an upstream proxy supplied by the caller.
type Proxy struct {
	Scheme   string `json:"scheme,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Country  string `json:"country,omitempty"`
}

// URL renders the proxy as a connection URL. Scheme defaults to http.
func (p Proxy) URL() *url.URL {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: p.Host}
	if p.Port > 0 {
		u.Host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// Request is one logical fetch.
type Request struct {
	URL          string
	Timeout      time.Duration
	Headers      http.Header
	WaitSelector string
	Proxy        *Proxy
	// ProxyURL is a pre-resolved connection string and wins over Proxy.
	ProxyURL string
	// Strategies forces the cascade order; empty means the configured default.
	Strategies []StrategyName
	Skip       []StrategyName
}

// ResolvedProxy returns the proxy URL to dial through, or nil for a direct connection.
func (r Request) ResolvedProxy() (*url.URL, error) {
	if r.ProxyURL != "" {
		u, err := url.Parse(r.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		return u, nil
	}
	if r.Proxy != nil && r.Proxy.Host != "" {
		return r.Proxy.URL(), nil
	}
	return nil, nil
}

// Result is the payload of a successful strategy run.
type Result struct {
	HTML        string        `json:"html"`
	FinalURL    string        `json:"final_url"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type,omitempty"`
	Headers     http.Header   `json:"headers,omitempty"`
	Strategy    StrategyName  `json:"strategy"`
	Duration    time.Duration `json:"duration"`
}

// Strategy fetches a page and classifies every failure as an *Error.
type Strategy interface {
	Name() StrategyName
	Scrape(ctx context.Context, req Request) (Result, error)
}

// Attempt records one strategy execution inside a cascade.
type Attempt struct {
	Strategy StrategyName `json:"strategy"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Err      *Error       `json:"error,omitempty"`
}

// Duration is the wall time spent in the attempt.
func (a Attempt) Duration() time.Duration {
	return a.Finished.Sub(a.Started)
}

// Succeeded reports whether the attempt produced a result.
func (a Attempt) Succeeded() bool {
	return a.Err == nil
}

// CloneHeader deep-copies an http.Header; nil stays nil.
func CloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		dst[k] = append([]string(nil), values...)
	}
	return dst
}
