/*
Package session owns the process-wide connection to object storage.

A Manager validates the configuration when it is created and builds exactly
one ClientSession the first time a file is created or opened. The session's
settings never change afterwards: Reconfigure is rejected and Close ends the
session for good.

All file I/O goes through the session's ResilientStore, which layers onto
the platform backend:

  - bounded exponential backoff with jitter for transient failures only
  - a circuit breaker that opens on consecutive transient failures
  - an optional token-bucket request limit
  - per-call Prometheus metrics

Backends are created by a Factory registered per platform. Tests register
their own with WithFactory.
*/
package session
