// Package server implements the WebSocket gateway of the chat service and
// the HTTP engine around it.
//
// The gateway authenticates each socket from its session cookie, installs
// it in the connection registry, announces presence, and then reads frames
// until the peer goes away. Per-connection pumps live in conn.go; routing
// setup and the HTTP server lifecycle live in routes.go and http_server.go.
package server
