/*
Package metrics provides Prometheus metrics collection and exposition for
the container state machine, plus a small process-wide health registry.

# Architecture

	┌──────────────── METRICS SYSTEM ────────────────┐
	│                                                   │
	│  ┌─────────────────────────────────────┐        │
	│  │        Prometheus Registry           │        │
	│  │  - MustRegister at package init      │        │
	│  └──────────────────┬────────────────────┘        │
	│                     │                              │
	│  ┌──────────────────▼────────────────────┐        │
	│  │            Metric Categories           │        │
	│  │  Pipeline: verify/finalized rejections │        │
	│  │  Cache: evictions, misses, bytes       │        │
	│  │  Apply: in-flight, tolerated/fatal,    │        │
	│  │         last-applied index, duration   │        │
	│  │  Write path: chunk write failures      │        │
	│  │  Health: flip counter                  │        │
	│  │  Snapshot: duration, failures           │        │
	│  └──────────────────┬────────────────────┘        │
	│                     │                              │
	│  ┌──────────────────▼────────────────────┐        │
	│  │       HTTP /metrics + /health(z)       │        │
	│  └─────────────────────────────────────────┘        │
	└───────────────────────────────────────────────────┘

Each metric maps directly to a named counter or gauge declared in
metrics.go; see that file for the full list. HealthChecker (health.go) is separate
from the state machine's own `healthy` flag (pkg/csm/health.go) — this
package's checker aggregates process-wide readiness across components
(readiness requires "raft" and "csm"), while the state machine's flag is the
once-true-to-false durability signal scoped to a single group instance.
*/
package metrics
