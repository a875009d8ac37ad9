// Package natsclient manages the gateway's NATS connection.
//
// Client wraps a core NATS connection and its JetStream context. JetStream
// administration calls (EnsureKeyValueBucket, EnsureStream, PublishToStream)
// go through a small circuit breaker: after a run of consecutive failures
// the client reports StatusCircuitOpen and rejects calls with ErrCircuitOpen
// until an exponentially growing backoff elapses.
//
// KVStore layers compare-and-set helpers over a JetStream key-value bucket.
// UpdateWithRetry is the building block for shared counters:
//
//	kv := client.NewKVStore(bucket)
//	written, err := kv.UpdateWithRetry(ctx, "rl:alice:default:1700000000",
//		func(current []byte) ([]byte, error) {
//			return increment(current), nil
//		})
//
// TestClient starts a throwaway NATS server with testcontainers for
// integration tests.
package natsclient
