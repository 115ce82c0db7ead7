// Package signaling serves the relay's WebSocket endpoint. Each connection
// authenticates, joins one network in the registry, and exchanges
// offer/answer/ice-candidate envelopes with the other members of that
// network. Whatever ends a connection, its registry membership is removed.
package signaling
