// Package database provides SQLite persistence for probed media.
//
// Each indexed video has one row holding its MediaStreamProfile together with
// the size and modification time of the source it was probed from, which the
// indexer compares on every scan to detect changed files. A small key/value
// table records state such as the time of the last index run.
//
// The database uses WAL mode for concurrent reads during indexing and applies
// schema migrations on open.
package database
