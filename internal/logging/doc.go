// Package logging provides a simple leveled logging interface for the
// media delivery engine.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions, including encoder diagnostics on job failure
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable, or forced
// to debug with DEBUG=true. Tests may override it with SetLevel.
package logging
