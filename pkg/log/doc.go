// Package log provides structured logging for Golem built on zerolog.
//
// A single global logger is initialized at startup via Init. Packages
// derive child loggers with WithComponent or WithTaskID so every line
// carries enough context to reconstruct a pipeline run from the log.
package log
