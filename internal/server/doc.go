// Package server provides HTTP server lifecycle management: non-blocking
// start, graceful shutdown, and SIGINT/SIGTERM handling. Media streams
// are long-lived WebSocket connections, so shutdown waits for the
// configured drain window before forcing connections closed.
package server
