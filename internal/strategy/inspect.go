// Package strategy holds the response classification shared by the network
// fetch strategies.
package strategy

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/stealth-fetcher/internal/challenge"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
)

// DefaultMinTextLength is the visible-text floor below which a body is treated as empty.
const DefaultMinTextLength = 100

// Matcher looks for anti-automation signals in a response body.
type Matcher interface {
	// Match returns a short label for the signal it found.
	Match(html string, headers http.Header) (string, bool)
}

// DetectorMatcher adapts the challenge detector, which needs both an
// infrastructure marker and a challenge marker.
type DetectorMatcher struct {
	Detector *challenge.Detector
}

// Match implements Matcher.
func (m DetectorMatcher) Match(html string, headers http.Header) (string, bool) {
	det := m.Detector.Analyze(html, headers)
	if !det.IsChallenge {
		return "", false
	}
	label := string(det.Classification)
	if det.Provider != "" {
		label += ":" + det.Provider
	}
	return label, true
}

// DefaultShortPageLength is the visible-text length under which a page is
// small enough to be an interstitial.
const DefaultShortPageLength = 2000

// PhraseMatcher flags pages that ask for JavaScript or carry a generic block
// notice, and near-empty shells of script-rendered apps. Phrases are matched
// against the whole markup of short pages and only the <title> of longer ones.
type PhraseMatcher struct {
	JavaScriptRequired []string
	Blocked            []string
	// ShellThreshold is the visible-text length under which SPA markers and
	// script-heavy markup count as a javascript-required signal.
	ShellThreshold  int
	ShortPageLength int
}

// DefaultPhraseMatcher is tuned for pages served to clients that cannot run script.
func DefaultPhraseMatcher() PhraseMatcher {
	return PhraseMatcher{
		JavaScriptRequired: []string{
			"please enable javascript",
			"enable javascript to",
			"javascript is required",
			"javascript is disabled",
			"you need to enable javascript",
			"this site requires javascript",
			"please turn javascript on",
			"your browser does not support javascript",
			"checking your browser",
			"just a moment",
		},
		Blocked: []string{
			"access denied",
			"access to this page has been denied",
			"you have been blocked",
			"request blocked",
			"unusual traffic",
			"are you a robot",
			"not a robot",
			"bot detected",
			"too many requests",
			"pardon our interruption",
		},
		ShellThreshold:  DefaultMinTextLength,
		ShortPageLength: DefaultShortPageLength,
	}
}

var spaMarkers = []string{
	`id="__next"`,
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// Match implements Matcher.
func (m PhraseMatcher) Match(html string, _ http.Header) (string, bool) {
	lower := strings.ToLower(html)
	title, text := pageSummary(html)
	textLen := utf8.RuneCountInString(text)

	scope := strings.ToLower(title)
	if m.ShortPageLength <= 0 || textLen < m.ShortPageLength {
		scope = lower
	}
	for _, phrase := range m.JavaScriptRequired {
		if strings.Contains(scope, phrase) {
			return "javascript-required", true
		}
	}
	for _, phrase := range m.Blocked {
		if strings.Contains(scope, phrase) {
			return "blocked", true
		}
	}
	if m.ShellThreshold <= 0 || textLen >= m.ShellThreshold {
		return "", false
	}
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return "javascript-required", true
		}
	}
	if ScriptHeavy(lower) {
		return "javascript-required", true
	}
	return "", false
}

// Inspector turns a raw response into nil or a classified failure.
type Inspector struct {
	Matcher       Matcher
	MinTextLength int
}

// Inspect classifies a response. Statuses that can never carry a challenge
// (404, 410 and friends) fail before the body is scanned.
func (i Inspector) Inspect(status int, html string, headers http.Header) *fetch.Error {
	var statusErr *fetch.Error
	if status < 200 || status >= 300 {
		statusErr = fetch.NewHTTPStatusError(status)
		if !statusErr.Retryable() {
			return statusErr
		}
	}
	if i.Matcher != nil {
		if label, ok := i.Matcher.Match(html, headers); ok {
			return fetch.NewChallengeError(label)
		}
	}
	if statusErr != nil {
		return statusErr
	}
	threshold := i.MinTextLength
	if threshold <= 0 {
		threshold = DefaultMinTextLength
	}
	if n := utf8.RuneCountInString(VisibleText(html)); n < threshold {
		return fetch.NewInsufficientContentError(n, threshold)
	}
	return nil
}

// VisibleText extracts the whitespace-collapsed body text, ignoring script,
// style and template content.
func VisibleText(html string) string {
	_, text := pageSummary(html)
	return text
}

func pageSummary(html string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, template").Remove()
	return title, strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}

// ScriptHeavy reports whether inline and external script tags cover at least
// a quarter of the lowercased markup.
func ScriptHeavy(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
