// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all gateway routes.
// It sets up handlers for the health check, the WebSocket endpoint, and stats.
func SetupRoutes(g *Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/stats", g.StatsHandler)
	return mux
}
