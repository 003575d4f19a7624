// Package logging provides structured logging with per-module log level configuration.
//
// Loggers are plain *slog.Logger values tagged with a "module" attribute.
// Records go to stderr (text or json) and, when journald is reachable,
// to the systemd journal as well:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"process": "debug",
//		},
//	})
//
//	logger := logging.GetLogger("process").With("pid", pid)
//	logger.Debug("Handshake complete")
//
// Module levels override the global level for that module only. Loggers
// obtained before Initialize keep working; Initialize refreshes their level.
//
// Journal fields are the upper-cased attribute keys, so a single daemon can
// be followed with:
//
//	journalctl -t ebd PROCESSOR_ID=<id>
package logging
