// Package retry runs an operation again after failures, waiting an
// exponentially growing, capped delay between attempts.
//
// The gateway uses it for the small retry budget of idempotent destination
// calls and for the compare-and-set loop behind shared counters in
// JetStream KV.
//
//	body, err := retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
//	    return fetch(ctx)
//	})
//
// Wrap an error with Permanent, or reject it in Config.Retryable, to stop
// the loop early.
package retry
