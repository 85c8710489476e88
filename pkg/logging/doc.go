// Package logging provides structured logging configuration for agentvcr.
//
// Components take a *slog.Logger at construction and must not fall back to
// the process-wide default. Library embedders that do not care about logs
// should pass Nop().
package logging
