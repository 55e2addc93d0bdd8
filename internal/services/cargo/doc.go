// Package cargo implements the drawing submission pipeline for the cargo
// station.
//
// Submissions are materialized into textures, persisted through a collection
// store, and announced to connected viewers over WebSocket. Viewers never
// write state; the store remains the source of truth for cargo lifecycle.
package cargo
