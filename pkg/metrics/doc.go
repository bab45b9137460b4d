// Package metrics defines and registers the conductor's Prometheus metrics:
// a node-count gauge by provision state (registered, not set here), lock contention, state-transition and
// power-action outcomes, error handler dispatches, notification volume, and
// agent-token/fast-track decision rates. Handler exposes them for scraping;
// mounting that handler on an HTTP server is left to the caller.
package metrics
