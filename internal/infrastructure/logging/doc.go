// Package logging provides structured logging for graylink.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the daemon and its libraries.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting", "connections", len(cfg.Connections))
//	logger.ForConnection(key).Warn("connection lost", "error", err)
//
// Never log broker passwords or InfluxDB tokens.
package logging
