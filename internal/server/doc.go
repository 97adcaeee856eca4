// Package server exposes the HTTP surface of sharedo: the websocket endpoint,
// the token exchange, presence and history reads, reactions, health checks and
// prometheus metrics.
//
// Realtime state lives in the realtime package. This package only routes
// requests to it and to the chat pipeline.
package server
