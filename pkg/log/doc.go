/*
Package log provides structured logging for Covey built on zerolog.

A single global logger is initialized once at startup via Init, then
consumed through small helpers. Components create child loggers with
WithComponent so every line carries a component field; job and worker
scoped loggers add job_key / worker_id fields for correlation.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("dispatcher")
	logger.Info().Int64("job_key", job.Key).Msg("job dispatched")

Console output (human-readable, RFC3339 timestamps) is the default;
JSON output is intended for production log shipping.
*/
package log
