// Package protocol groups the agent/collector wire contract.
//
// Layering, bottom up:
// - frame: fixed header, optional zstd payload, size limits
// - tlv: typed field encoding inside a frame payload
// - schema: message type ids, names, and required fields
// - session: typed messages, config, backoff, and transport security
package protocol
