// Package meshproto defines the JSON messages exchanged over the mesh
// signaling WebSocket.
//
// Every frame is a single JSON object with a "type" discriminator. Signaling
// envelopes (offer, answer, ice-candidate) are opaque to the relay: apart from
// the routing members "type", "target" and "sender", their body is carried as
// raw JSON and re-emitted unchanged.
//
// The peer-list frame is an object carrying ProtocolVersion, the joiner's id,
// its network and the peers, rather than a bare array of peer records.
// Clients should check the version before reading the other members.
package meshproto
