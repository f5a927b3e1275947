// Package timeouts defines shared timeout constants used across the sim
// process and its tools.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a shard's gRPC health endpoint.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StorageCall bounds a single storage round trip issued from a realtime event.
const StorageCall = 3 * time.Second

// PeerWrite bounds one websocket frame write so a stalled peer cannot hold a
// room lock indefinitely.
const PeerWrite = 5 * time.Second

// EventPublish bounds a single lifecycle event publish.
const EventPublish = 2 * time.Second
