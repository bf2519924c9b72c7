/*
Package log provides structured logging for marketd built on zerolog.

Init configures the global logger once at startup (level, JSON vs console).
Components obtain child loggers through WithComponent and the per-entity
helpers (WithNodeID, WithJobID, WithEntryID) so every line carries the
identifiers needed for correlation.
*/
package log
