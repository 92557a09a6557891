package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  *Error
		want bool
	}{
		{"challenge", NewChallengeError("cloudflare"), true},
		{"insufficient", NewInsufficientContentError(12, 100), true},
		{"timeout", NewTimeoutError(context.DeadlineExceeded), true},
		{"unavailable", NewUnavailableError("no browser", nil), true},
		{"unknown", NewUnknownError(errors.New("boom")), true},
		{"forbidden", NewHTTPStatusError(http.StatusForbidden), true},
		{"too many", NewHTTPStatusError(http.StatusTooManyRequests), true},
		{"bad gateway", NewHTTPStatusError(http.StatusBadGateway), true},
		{"not found", NewHTTPStatusError(http.StatusNotFound), false},
		{"unauthorized", NewHTTPStatusError(http.StatusUnauthorized), false},
		{"gone", NewHTTPStatusError(http.StatusGone), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.err.Retryable())
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Nil(t, Classify(StrategyPlain, nil))

	timeout := Classify(StrategyPlain, fmt.Errorf("visit: %w", context.DeadlineExceeded))
	require.Equal(t, KindTimeout, timeout.Kind)
	require.Equal(t, StrategyPlain, timeout.Strategy)

	unknown := Classify(StrategyRendered, errors.New("socket closed"))
	require.Equal(t, KindUnknown, unknown.Kind)
	require.ErrorContains(t, unknown, "rendered: unknown failure: socket closed")

	wrapped := fmt.Errorf("scrape: %w", NewHTTPStatusError(http.StatusNotFound))
	kept := Classify(StrategyImpersonate, wrapped)
	require.Equal(t, KindHTTPStatus, kept.Kind)
	require.Equal(t, StrategyImpersonate, kept.Strategy)
	require.False(t, kept.Retryable())
}

func TestClassifyDoesNotRelabelSharedErrors(t *testing.T) {
	t.Parallel()

	shared := NewChallengeError("javascript-required")
	first := Classify(StrategyPlain, shared)
	second := Classify(StrategyImpersonate, fmt.Errorf("wrapped: %w", shared))

	require.Equal(t, StrategyPlain, first.Strategy)
	require.Equal(t, StrategyImpersonate, second.Strategy)
	require.Empty(t, shared.Strategy)
	require.Equal(t, KindChallenge, second.Kind)
	require.Equal(t, "javascript-required", second.Challenge)

	tagged := &Error{Kind: KindTimeout, Strategy: StrategyRendered}
	require.Equal(t, StrategyRendered, Classify(StrategyPlain, tagged).Strategy)
}

func TestErrorMarshalJSON(t *testing.T) {
	t.Parallel()

	e := NewHTTPStatusError(http.StatusNotFound)
	e.Strategy = StrategyPlain
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "http_status", decoded["kind"])
	require.Equal(t, false, decoded["retryable"])
	require.Equal(t, "plain: http status 404", decoded["message"])
}

func TestRequestResolvedProxy(t *testing.T) {
	t.Parallel()

	direct, err := Request{URL: "https://example.com"}.ResolvedProxy()
	require.NoError(t, err)
	require.Nil(t, direct)

	fromDescriptor, err := Request{Proxy: &Proxy{Host: "10.0.0.1", Port: 3128, Username: "u", Password: "p"}}.ResolvedProxy()
	require.NoError(t, err)
	require.Equal(t, "http://u:p@10.0.0.1:3128", fromDescriptor.String())

	preferred, err := Request{
		ProxyURL: "socks5://127.0.0.1:1080",
		Proxy:    &Proxy{Host: "ignored"},
	}.ResolvedProxy()
	require.NoError(t, err)
	require.Equal(t, "socks5", preferred.Scheme)
}

func TestParseStrategyName(t *testing.T) {
	t.Parallel()

	name, err := ParseStrategyName("rendered")
	require.NoError(t, err)
	require.Equal(t, StrategyRendered, name)

	_, err = ParseStrategyName("quantum")
	require.Error(t, err)
}
