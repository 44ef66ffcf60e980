// Command media-delivery serves a video library to browsers, choosing per
// request between direct play, a cached remux or transcode, and a live
// transcode.
//
// # Application Lifecycle
//
//  1. Memory: GOMEMLIMIT derived from MEMORY_LIMIT
//  2. Configuration: environment variables and directory checks
//  3. Database: SQLite profile store
//  4. Delivery engine: cache store, encoder manager, slot gate, scheduler
//  5. Indexer: initial scan, periodic rescans and the filesystem watcher;
//     changed sources invalidate their cache and finished scans feed the
//     background scheduler
//  6. HTTP servers: the playback API and, optionally, the metrics server
//  7. Graceful shutdown on SIGINT/SIGTERM
//
// # Shutdown Order
//
//  1. Stop the metrics collector
//  2. Stop the indexer
//  3. Close the HTTP listener, then close the delivery engine: no new
//     encoder jobs are admitted, every encoder process is terminated and
//     partial output is removed, and live streams end (30s timeout)
//  4. Shut down the metrics server
//  5. Close the database
package main
