// Package config loads and validates IoT core configuration.
//
// Configuration comes from a YAML file, an optional .env file and
// IOTCORE_* environment variables, in that order of increasing precedence.
// Secrets (JWT secret, broker password, InfluxDB token) belong in the
// environment rather than the YAML file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
