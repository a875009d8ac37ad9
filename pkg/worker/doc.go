// Package worker provides a generic bounded worker pool.
//
// The audit logger uses it to emit events off the request path: Submit is
// non-blocking and drops work when the queue is full, so a slow or failing sink
// can never add latency to a request.
//
//	pool := worker.NewPool(4, 1024, func(ctx context.Context, ev Event) error {
//	    return sink.Write(ctx, ev)
//	})
//	_ = pool.Start(context.Background())
//	defer pool.Stop(5 * time.Second)
//	_ = pool.Submit(ev)
package worker
