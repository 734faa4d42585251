// Package server implements the GoChat relay: a TCP listener and a WebSocket
// gateway that authenticate connections with a header handshake, and a hub
// that fans every valid chat record out to all live sessions.
//
// The implementation is organized into specialized files for configuration,
// the inbound queue, the broadcaster, the hub, sessions, and the transports
// to keep the codebase maintainable and testable as the project grows.
package server
