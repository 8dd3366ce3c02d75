/*
Package log provides structured logging for Nimbus using zerolog.

A single global Logger is configured once via Init and every other package
derives component-scoped child loggers from it (WithComponent, WithNodeName,
WithGroupName, WithServerID) instead of passing a logger value around.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	nodeLog := log.WithComponent("node").With().Str("node_name", "n1").Logger()
	nodeLog.Warn().Msg("rejecting allocation on inactive node")
*/
package log
