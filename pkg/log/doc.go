/*
Package log provides structured logging for lattice built on zerolog.

Call Init once at startup, then derive child loggers per subsystem:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("reconciler")
	logger.Warn().Uint32("tick", uint32(t)).Msg("Dropped out-of-window transaction")

Hot paths (query iteration, column writes) never log. Rollbacks, dropped or
undecodable packets and schedule builds do; tick boundaries and ghost cleanup
are not logged.
*/
package log
