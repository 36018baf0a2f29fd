// Package protocol owns the relay wire format.
//
// Text frames are JSON objects tagged by "type" and decode once, at the
// socket boundary, into one of the Message variants below. Binary frames
// carry no envelope: one message is one encoded preview image.
//
// Unknown tags decode to Unrecognized rather than failing, so older relays
// keep working when producers add message kinds.
package protocol
