/*
Package log provides structured logging for keeper using zerolog.

Init configures the global Logger once at startup; components derive
child loggers from it:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, NodeID: "node-1"})

	logger := log.WithComponent("accept")
	logger = log.WithContextKey(logger, "application", "app:/web")
	logger = log.WithActivityID(logger, hdr.ActivityID)
	logger.Info().Str("op", "create_application").Msg("Accepted")

Console output is human readable; JSON output is meant for log shippers.
Until Init runs the global Logger discards everything, which keeps tests
quiet.
*/
package log
