// Package streamgate provides the real-time delivery edge of a chat
// platform: a WebSocket gateway that fans committed domain events out to
// connected clients with per-session ordering, replay, and resume.
//
// # Architecture
//
// Platform services publish domain events to NATS after their mutations
// commit. StreamGate subscribes to those subjects, resolves each event to
// the sessions whose subscriptions match, and delivers it as a sequenced
// dispatch frame over WebSocket:
//
//	┌──────────────┐    <prefix>.events.>    ┌─────────────────────────┐
//	│   Platform   │ ──────────────────────→ │        StreamGate       │
//	│   services   │        (NATS)           │                         │
//	└──────────────┘                         │  ingest → bus → resolver│
//	                                         │            ↓            │
//	                                         │   session registry      │
//	                                         │            ↓            │
//	                                         │  supervisors (1/conn)   │
//	                                         └───────────┬─────────────┘
//	                                                     │ ws frames
//	                                        ┌────────────┼────────────┐
//	                                        ↓            ↓            ↓
//	                                     client       client       client
//
// Every frame is a JSON envelope {"op", "d", "s", "t"}. Dispatch frames
// carry a per-session sequence number that increases by exactly one, so a
// client that loses its transport can resume and replay the gap instead of
// rebuilding state from scratch.
//
// # Packages
//
// Core:
//   - gateway: frame codec, sessions, registry, replay, dispatch bus,
//     heartbeat supervision, the WebSocket server
//   - event: domain event types, routing scopes, intents
//   - ingest: NATS subscription feeding the dispatch bus
//
// Infrastructure:
//   - natsclient: NATS connection management with circuit breaker
//   - config: layered configuration with schema validation
//   - metric: Prometheus metrics and the ops HTTP surface
//   - health: component health tracking and aggregation
//   - errors: classified error handling
//   - component: lifecycle contracts
//   - pkg/worker, pkg/retry: bounded worker pools and retry policies
//
// # Binary
//
// Build and run the gateway:
//
//	go build -o bin/streamgate ./cmd/streamgate
//	./bin/streamgate --config configs/example.json
package streamgate
