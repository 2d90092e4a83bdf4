// Package gateway implements the WebSocket edge of StreamGate: the frame
// codec, per-session sequencing and replay, the concurrent session registry
// with a resumable store, subscription resolution, heartbeat supervision, and
// the event bus that fans domain events out to sessions.
//
// Every frame on the wire is a JSON envelope {"op", "d", "s", "t"}. Clients
// send Heartbeat, Identify and Resume; the server sends Hello, Dispatch,
// HeartbeatAck, Reconnect and InvalidSession. Dispatch frames carry a
// per-session sequence number that increases by exactly one, which is what
// makes resume-with-replay possible after a transport drop.
package gateway
