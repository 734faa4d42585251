// Package protocol implements the relay wire format: the NUL-terminated
// header handshake that opens every connection and the line-framed JSON
// chat records exchanged afterwards.
//
// The package performs no I/O of its own beyond reading from the byte source
// it is handed, so both the TCP listener and the WebSocket gateway share it.
package protocol
