// Package fetchkit is a typed network data-access layer:
//
//   - Transport: pooled HTTP sends with timeouts, bounded concurrency, rate
//     limiting, circuit breaking, middleware and tracing spans
//   - Codec: JSON and MessagePack bodies with typed decode errors
//   - Repository: fresh-cache reads, in-flight de-duplication, retries with
//     exponential backoff and jitter, invalidation
//   - Store: latest value per key pushed to subscribers whose lifetime is a
//     context.Context
//
// Everything is wired by explicit constructors:
//
//	transport, _ := fetchkit.NewHTTPTransport(fetchkit.TransportConfig{
//	    BaseURL: "https://fakestoreapi.com/",
//	})
//	repo, _ := fetchkit.New(transport,
//	    fetchkit.WithDefaultTTL(time.Minute),
//	    fetchkit.WithMaxRetries(3),
//	)
//	product, err := fetchkit.Fetch[Product](ctx, repo, fetchkit.KeyOf("products/1"))
//
// Consumers see only *FetchError; the transport or codec failure behind it is
// its Cause. Subscriptions end when their context is cancelled:
//
//	life := fetchkit.NewLifecycle(ctx)
//	defer life.End()
//	repo.Store().Subscribe(key, life.Context(), onValue, onError)
package fetchkit
