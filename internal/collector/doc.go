// Package collector carries agent sessions to the telemetry collector.
//
// Ownership boundary:
//   - agent-side Dialers and Transports for the tcp, grpc and ws carriers
//   - collector-side servers for the same three carriers
//   - the Sink contract and the in-memory Store every server feeds
//
// All carriers move the message shapes of internal/protocol/session and
// answer each request with one Ack. Only the encoding differs: binary
// frames on tcp, CBOR on grpc, JSON envelopes on ws.
package collector
