// Package upstream performs the raw HTTP fetch of remote images. It owns the
// shared http.Client with pooled transport tunings, enforces the configured
// source allowlist, attaches static per-source auth headers, caps response
// body size, and retries transient failures with exponential backoff. The
// cache coordinator consumes it through the narrow Fetcher interface so tests
// can substitute counting or failing stubs.
package upstream
