package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stealth-fetcher/internal/batch"
	"github.com/JakeFAU/stealth-fetcher/internal/config"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
)

type echoFetcher struct {
	seen []fetch.Request
}

func (f *echoFetcher) Fetch(_ context.Context, req fetch.Request) (orchestrator.Result, error) {
	f.seen = append(f.seen, req)
	if strings.Contains(req.URL, "fail") {
		return orchestrator.Result{}, errors.New("boom")
	}
	return orchestrator.Result{Result: fetch.Result{
		HTML:       "<html>ok</html>",
		FinalURL:   req.URL,
		StatusCode: 200,
		Strategy:   fetch.StrategyPlain,
	}}, nil
}

type fakeApp struct {
	runner *batch.Runner
	ran    atomic.Bool
	closed atomic.Bool
}

func (a *fakeApp) Run(context.Context) error   { a.ran.Store(true); return nil }
func (a *fakeApp) Runner() *batch.Runner       { return a.runner }
func (a *fakeApp) Close(context.Context) error { a.closed.Store(true); return nil }

func installFakeApp(t *testing.T, fetcher batch.Fetcher) *fakeApp {
	t.Helper()
	fake := &fakeApp{runner: batch.NewRunner(fetcher, batch.Config{Concurrency: 1})}
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return fake, nil }
	t.Cleanup(func() { newApp = prev })
	return fake
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsAndClosesApp(t *testing.T) {
	fake := installFakeApp(t, &echoFetcher{})

	_, err := execute(t, "", "serve")
	require.NoError(t, err)
	require.True(t, fake.ran.Load())
	require.True(t, fake.closed.Load())
}

func TestFetchPrintsOneLinePerURL(t *testing.T) {
	fetcher := &echoFetcher{}
	fake := installFakeApp(t, fetcher)

	out, err := execute(t, "",
		"fetch", "--strategy", "plain", "--skip", "rendered", "-H", "Accept-Language: en-US",
		"https://a.example/1", "https://b.example/2",
	)
	require.NoError(t, err)
	require.True(t, fake.closed.Load())

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"url":"https://a.example/1"`)
	require.Contains(t, lines[1], `"url":"https://b.example/2"`)

	require.Len(t, fetcher.seen, 2)
	for _, req := range fetcher.seen {
		require.Equal(t, []fetch.StrategyName{fetch.StrategyPlain}, req.Strategies)
		require.Equal(t, []fetch.StrategyName{fetch.StrategyRendered}, req.Skip)
		require.Equal(t, "en-US", req.Headers.Get("Accept-Language"))
	}
}

func TestFetchReadsURLsFromStdin(t *testing.T) {
	fetcher := &echoFetcher{}
	installFakeApp(t, fetcher)

	out, err := execute(t, "# comment\nhttps://a.example/\n\nhttps://b.example/\n", "fetch")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
	require.Len(t, fetcher.seen, 2)
}

func TestFetchFailsWhenAnyURLFails(t *testing.T) {
	installFakeApp(t, &echoFetcher{})

	out, err := execute(t, "", "fetch", "https://ok.example/", "https://fail.example/")
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2 fetches failed")
	require.Contains(t, out, `"error":`)
}

func TestFetchRejectsBadFlags(t *testing.T) {
	installFakeApp(t, &echoFetcher{})

	_, err := execute(t, "", "fetch", "--strategy", "telnet", "https://a.example/")
	require.Error(t, err)

	_, err = execute(t, "", "fetch", "-H", "no-colon", "https://a.example/")
	require.Error(t, err)

	_, err = execute(t, "", "fetch")
	require.ErrorContains(t, err, "no urls given")
}

func TestBuildFailureIsReported(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return nil, errors.New("no chrome") }
	t.Cleanup(func() { newApp = prev })

	_, err := execute(t, "", "serve")
	require.ErrorContains(t, err, "failed to initialize application services")
}
