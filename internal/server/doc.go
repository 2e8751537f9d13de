// Package server implements the HTTP server using Echo framework.
//
// Routes: health probes, Prometheus metrics and the dashboard WebSocket
// endpoint. The WebSocket handler owns the per-connection read pump and
// hands everything else to the bridge.
package server
