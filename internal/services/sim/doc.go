// Package sim hosts princess/servant sessions: session records pinned to the
// shard that created them, and the realtime rooms where the two participants
// of a session talk.
//
// Subpackages own one concern each: token validation, role resolution,
// storage, the session service, the in-memory room registry, and the
// HTTP/WebSocket transport in app.
package sim
