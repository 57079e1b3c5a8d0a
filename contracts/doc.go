// Package contracts provides the core wire and domain types for the mailwire client.
//
// This package defines the shapes exchanged with the agent backend:
//   - Mail: the domain message unit (from/to/subject/body/headers)
//   - TransportMessage / TransportResponse: generic request/response envelopes
//     correlated by id
//   - Typed frames for identity handshake, mail delivery, mail notifications,
//     and heartbeats
//
// All frame types serialize to the JSON wire format expected by the backend
// and are independent of the socket binding used to carry them.
package contracts
