// Package gateway is the HTTP surface of edgegate.
//
// Every request runs one sequential pipeline:
//
//	OPTIONS            → 204 preflight with CORS headers
//	/health, /info     → diagnostics, no credential required
//	credential         → 401 unless the path is allow-listed
//	route lookup       → 404 with known paths, 405 on a disallowed method
//	access control     → 403 with the required role and permission
//	rate limit         → 429 with limit, remaining and reset
//	cache (GET)        → X-Cache: HIT served from the shared store
//	dispatch           → 502/503 on upstream failure, nothing cached
//	transform, cache write, respond
//
// Rate limiting precedes the cache, so hits consume quota. The Gateway is the
// single place that turns stage outcomes into HTTP status codes, JSON error
// bodies, metrics and audit events.
package gateway
