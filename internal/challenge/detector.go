// Package challenge detects anti-automation interstitials and waits for them to clear.
package challenge

import (
	"net/http"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Classification is the kind of interstitial a page represents.
type Classification string

// Classifications.
const (
	ClassNone            Classification = "none"
	ClassScriptChallenge Classification = "script-challenge"
	ClassBlocked         Classification = "blocked"
)

// Detection is the signal analysis of one page load.
type Detection struct {
	IsChallenge    bool           `json:"is_challenge"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Signals        []string       `json:"signals,omitempty"`
	Provider       string         `json:"provider,omitempty"`
}

// Signatures are the marker sets a Detector matches. Markup and phrases are
// matched case-insensitively.
type Signatures struct {
	// Infrastructure maps a provider to markup substrings that fingerprint it.
	Infrastructure map[string][]string
	// Headers maps a provider to response headers ("Name" or "Name: value-substring").
	Headers        map[string][]string
	Selectors      []string
	Phrases        []string
	BlockedPhrases []string
}

// DefaultSignatures covers the common CDN and bot-management vendors.
func DefaultSignatures() Signatures {
	return Signatures{
		Infrastructure: map[string][]string{
			"cloudflare": {"cloudflare", "cf-ray", "__cf_chl", "/cdn-cgi/challenge-platform", "cf_chl_opt", "cf-browser-verification"},
			"akamai":     {"akamai", "ak_bmsc", "_abck"},
			"datadome":   {"datadome", "captcha-delivery.com"},
			"perimeterx": {"perimeterx", "px-captcha", "_pxappid", "_pxblock"},
			"imperva":    {"incapsula", "_incapsula_resource", "imperva"},
			"sucuri":     {"sucuri"},
			"ddos-guard": {"ddos-guard"},
		},
		Headers: map[string][]string{
			"cloudflare": {"Cf-Ray", "Server: cloudflare"},
			"akamai":     {"Server: akamaighost"},
			"datadome":   {"X-Datadome", "X-Datadome-Response"},
			"perimeterx": {"X-Px-Captcha"},
			"imperva":    {"X-Iinfo", "X-Cdn: imperva"},
			"sucuri":     {"X-Sucuri-Id"},
		},
		Selectors: []string{
			"#challenge-form",
			"#challenge-running",
			"#challenge-stage",
			"#cf-challenge-running",
			"#cf-please-wait",
			"#turnstile-wrapper",
			".cf-turnstile",
			"iframe[src*='challenges.cloudflare.com']",
			"#px-captcha",
			"iframe[src*='captcha-delivery.com']",
			"#trk_jschal_js",
		},
		Phrases: []string{
			"just a moment",
			"checking your browser",
			"checking if the site connection is secure",
			"verify you are human",
			"verifying you are human",
			"please wait while we verify",
			"enable javascript and cookies to continue",
			"performing security verification",
			"ddos protection by",
		},
		BlockedPhrases: []string{
			"access denied",
			"you have been blocked",
			"error 1020",
			"request unsuccessful",
			"pardon our interruption",
			"attention required!",
		},
	}
}

// Detector classifies pages using infrastructure and challenge markers.
// An infrastructure marker alone never makes a challenge.
type Detector struct {
	sigs Signatures
}

// NewDetector builds a Detector; zero-valued signatures fall back to DefaultSignatures.
func NewDetector(sigs Signatures) *Detector {
	if len(sigs.Infrastructure) == 0 && len(sigs.Headers) == 0 {
		sigs = DefaultSignatures()
	}
	return &Detector{sigs: lowerSignatures(sigs)}
}

// Analyze inspects markup and, when available, the response headers.
func (d *Detector) Analyze(html string, headers http.Header) Detection {
	lowerHTML := strings.ToLower(html)
	var signals []string

	providers := d.matchInfrastructure(lowerHTML, headers)
	for _, provider := range providers {
		signals = append(signals, "infra:"+provider)
	}

	var selectorHits, phraseHits, blockedHits int
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	text := lowerHTML
	if err == nil {
		for _, sel := range d.sigs.Selectors {
			if doc.Find(sel).Length() > 0 {
				selectorHits++
				signals = append(signals, "selector:"+sel)
			}
		}
		text = strings.ToLower(doc.Find("title").Text() + " " + doc.Find("body").Text())
	}
	for _, phrase := range d.sigs.Phrases {
		if strings.Contains(text, phrase) {
			phraseHits++
			signals = append(signals, "phrase:"+phrase)
		}
	}
	for _, phrase := range d.sigs.BlockedPhrases {
		if strings.Contains(text, phrase) {
			blockedHits++
			signals = append(signals, "blocked:"+phrase)
		}
	}

	det := Detection{Classification: ClassNone, Signals: signals}
	if len(providers) > 0 {
		det.Provider = providers[0]
		det.Confidence = 0.4
	}
	det.Confidence += 0.3*float64(min(selectorHits, 1)) + 0.2*float64(min(phraseHits, 1)) + 0.3*float64(min(blockedHits, 1))
	det.Confidence = min(det.Confidence, 1)

	if len(providers) == 0 {
		return det
	}
	switch {
	case selectorHits > 0 || phraseHits > 0:
		det.IsChallenge = true
		det.Classification = ClassScriptChallenge
	case blockedHits > 0:
		det.IsChallenge = true
		det.Classification = ClassBlocked
	}
	return det
}

func (d *Detector) matchInfrastructure(lowerHTML string, headers http.Header) []string {
	seen := map[string]bool{}
	for provider, markers := range d.sigs.Infrastructure {
		for _, marker := range markers {
			if strings.Contains(lowerHTML, marker) {
				seen[provider] = true
				break
			}
		}
	}
	for provider, rules := range d.sigs.Headers {
		if seen[provider] {
			continue
		}
		for _, rule := range rules {
			if headerMatches(headers, rule) {
				seen[provider] = true
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for provider := range seen {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

func headerMatches(headers http.Header, rule string) bool {
	if len(headers) == 0 {
		return false
	}
	name, want, hasValue := strings.Cut(rule, ":")
	values := headers.Values(strings.TrimSpace(name))
	if len(values) == 0 {
		return false
	}
	if !hasValue {
		return true
	}
	want = strings.TrimSpace(want)
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), want) {
			return true
		}
	}
	return false
}

func lowerSignatures(s Signatures) Signatures {
	out := Signatures{
		Infrastructure: make(map[string][]string, len(s.Infrastructure)),
		Headers:        make(map[string][]string, len(s.Headers)),
		Selectors:      append([]string(nil), s.Selectors...),
		Phrases:        lowerAll(s.Phrases),
		BlockedPhrases: lowerAll(s.BlockedPhrases),
	}
	for provider, markers := range s.Infrastructure {
		out.Infrastructure[provider] = lowerAll(markers)
	}
	for provider, rules := range s.Headers {
		lowered := make([]string, 0, len(rules))
		for _, rule := range rules {
			name, value, ok := strings.Cut(rule, ":")
			if ok {
				rule = name + ":" + strings.ToLower(value)
			}
			lowered = append(lowered, rule)
		}
		out.Headers[provider] = lowered
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
