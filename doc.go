// Package core is the system integration layer of the CityPulse
// cross-domain analytics dashboard.
//
// # Architecture
//
// The core is a concurrent, bounded, in-memory data plane:
//
//   - pipeline ingests heterogeneous domain observations (weather,
//     economic, transportation, social) through a bounded worker pool,
//     normalizes them, and appends them to the series store.
//   - series holds per-domain time-ordered points under a retention
//     window, published to readers by atomic snapshot replacement.
//   - correlator recomputes pairwise Pearson correlation matrices over
//     a sliding window, deriving insights and z-score anomalies.
//   - alert evaluates configured thresholds against live metrics and
//     manages the raise/escalate/resolve lifecycle with cooldowns.
//   - bus fans events out to subscribers, each behind its own bounded
//     buffer so a slow consumer only ever loses its own events.
//   - registry tracks connector, model, and visualization liveness via
//     heartbeats.
//   - integrator constructs and owns all of the above, orchestrating
//     staged startup and reverse shutdown.
//
// Transports live in gateway/httpapi (JSON over HTTP), gateway/websocket
// (event push), and natsbridge (optional NATS forwarding). The domain
// connectors, prediction models, and rendering layer are external
// collaborators; they interact with the core only through the pipeline
// submit contract, the registry, and the event surface.
package core
