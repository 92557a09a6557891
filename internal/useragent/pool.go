// Package useragent rotates desktop browser User-Agent strings.
package useragent

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync/atomic"
)

// DefaultPool is a set of current desktop browser User-Agents.
var DefaultPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
}

// Family is the browser engine a User-Agent claims to be.
type Family string

// Families.
const (
	FamilyChrome  Family = "chrome"
	FamilyFirefox Family = "firefox"
	FamilySafari  Family = "safari"
	FamilyUnknown Family = "unknown"
)

// FamilyOf classifies a User-Agent string.
func FamilyOf(ua string) Family {
	switch {
	case strings.Contains(ua, "Firefox/"):
		return FamilyFirefox
	case strings.Contains(ua, "Chrome/"), strings.Contains(ua, "Chromium/"):
		return FamilyChrome
	case strings.Contains(ua, "Safari/") && strings.Contains(ua, "Version/"):
		return FamilySafari
	default:
		return FamilyUnknown
	}
}

// Pool hands out User-Agents. It is safe for concurrent use.
type Pool struct {
	uas     []string
	counter atomic.Uint64
}

// NewPool copies uas; an empty slice falls back to DefaultPool.
func NewPool(uas []string) *Pool {
	if len(uas) == 0 {
		uas = DefaultPool
	}
	return &Pool{uas: append([]string(nil), uas...)}
}

// Next returns User-Agents round-robin.
func (p *Pool) Next() string {
	if p == nil || len(p.uas) == 0 {
		return ""
	}
	idx := p.counter.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

// NextOf returns the next User-Agent of the given family, falling back to
// Next when the pool holds none.
func (p *Pool) NextOf(family Family) string {
	if p == nil || len(p.uas) == 0 {
		return ""
	}
	for range p.uas {
		if ua := p.Next(); FamilyOf(ua) == family {
			return ua
		}
	}
	return p.Next()
}

// Random picks a User-Agent with crypto/rand.
func (p *Pool) Random() string {
	if p == nil || len(p.uas) == 0 {
		return ""
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.uas))))
	if err != nil {
		return p.Next()
	}
	return p.uas[n.Int64()]
}

// All returns a copy of the pool.
func (p *Pool) All() []string {
	return append([]string(nil), p.uas...)
}
