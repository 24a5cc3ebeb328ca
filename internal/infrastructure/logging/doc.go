// Package logging provides structured logging for the IoT core.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and the same level filtering. When logging.file.path
// is set, output is also written to a size-rotated file.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//	  file:
//	    path: "/var/log/iotcore/core.log"
//	    max_size: 100    # MB
//	    max_backups: 5
//	    max_age: 30      # days
//
// Never log secrets, tokens, or broker passwords.
package logging
