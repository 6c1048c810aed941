// Package session owns the agent<->collector message contract.
//
// Ownership boundary:
//   - request shapes (Start, Finish, TimestampEvent, TimestampIDEvent,
//     ObjectAllocated, GenerationsUpdate) and the Ack response
//   - frame encode/decode for the tcp transport
//   - retry/backoff primitives and transport security config shared by
//     every transport
//
// Every request is answered by exactly one Ack correlated by message id.
package session
