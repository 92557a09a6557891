// Package main is the stealthfetch entrypoint.
//
// Architecture overview:
//   - Strategies: plain (colly over net/http), impersonate (net/http over a uTLS connection that mimics a browser
//     ClientHello) and rendered (headless Chrome via chromedp). Each returns a classified error so the caller can
//     tell a block from a timeout from a bad URL.
//   - Orchestrator: runs the strategies in the configured order under a per-attempt soft timeout and a per-fetch
//     hard timeout, recording every attempt. The first success wins.
//   - Browser pool: a fixed set of Chrome processes lent out one caller at a time, with a FIFO wait queue,
//     recycling by page count and age, and periodic health sweeps.
//   - Batch runner: bounds caller concurrency, applies a per-host token bucket, retries retryable failures with
//     jittered backoff and hands each outcome to the snapshot sink (blob store plus optional Postgres record).
//   - Surfaces: `stealthfetch serve` exposes POST /v1/fetch, /v1/pool/stats, /v1/records/latest, /healthz, /readyz
//     and /metrics; `stealthfetch fetch` runs URLs once and prints JSON lines.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or STEALTHFETCH_* env vars, e.g. STEALTHFETCH_SERVER_PORT,
//     STEALTHFETCH_STRATEGIES_ORDER, STEALTHFETCH_POOL_SIZE, STEALTHFETCH_STORAGE_BACKEND, STEALTHFETCH_DB_DSN.
//   - Chrome must be installed for the rendered strategy; drop it from strategies.order to run without a browser.
//   - Run locally: go run ./cmd/stealthfetch serve --config config.yaml
package main
