// Package timeouts defines shared timeout constants used by the cargo service.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// PaintFetch caps the time spent retrieving a submitted paint reference.
const PaintFetch = 10 * time.Second

// Persist caps a single backend store call made on behalf of a request.
const Persist = 15 * time.Second

// SocketWrite caps one outbound WebSocket frame to a single session.
const SocketWrite = 5 * time.Second

// Describe caps one text-generation call for a cargo texture.
const Describe = 30 * time.Second
