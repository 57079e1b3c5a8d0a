// Package messaging presents a mail-shaped API over the generic transport.
//
// It contains the adapter that manages the identity handshake and inbound
// frame classification, the reply-wait correlation used to pair an outbound
// mail with its eventual response, the deduplicating send queue, and the
// priority-ordered handler registry for unsolicited inbound mail.
//
// Data flows caller → SendQueue → Adapter → transport → wire; inbound
// frames flow transport → Adapter → either a reply wait or the registry.
package messaging
