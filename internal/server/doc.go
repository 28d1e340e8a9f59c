// Package server exposes rooms over WebSocket.
//
// Each upgraded connection becomes a Session bound to the Room named in the
// request path. The package also carries the configuration, origin policy,
// per-session rate limiter, routes and HTTP server lifecycle helpers.
package server
