/*
Package metrics exports Prometheus metrics for cloudvol.

The Collector owns a private registry so several connectors can live in one
process. It records:

  - backend calls per backend and operation: count, latency, payload size
  - failures by error category, retries, circuit breaker transitions
  - range cache hits, misses and evictions
  - flushes by path (noop, put, multipart) and uploaded parts
  - dirty bytes and open files

Start serves /metrics and /health when a port is configured:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Namespace: "cloudvol",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

All recording methods are safe on a nil *Collector.
*/
package metrics
