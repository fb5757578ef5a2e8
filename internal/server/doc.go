// Package server hosts the Fiber HTTP service and request middleware chain
// that binds incoming image requests to the cache coordinator. It bootstraps
// Fiber with recover and request-ID middlewares, exposes the /image fetch
// surface plus a HEAD pre-check backed by the key deriver, and leaves the
// diagnostics endpoints to the routes subpackage. Keep exports narrow and
// accept explicit dependencies so tests can inject stub coordinators.
package server
