// Package config handles configuration loading for coven-dispatch.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion, defaults, and validation.
// The binaries also load a .env file before reading the config.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax plus whole days:
//
//	agents:
//	  heartbeat_interval: "10s"
//	  heartbeat_timeout: "30s"
//	bus:
//	  unread_window: "7d"
//
// # Configuration Sections
//
//	server:    http_addr
//	node:      id, peers[{id, url}]
//	database:  path
//	auth:      jwt_secret, token_ttl, issue_key_hash
//	agents:    heartbeat_interval, heartbeat_timeout
//	missions:  default_timeout, default_max_retries, tick_interval
//	bus:       max_retries, relay_interval, unread_window
//	executor:  enabled, command, args, workdir
//	logging:   level (debug|info|warn|error), format (text|json)
//	metrics:   enabled, path
//	tailscale: enabled, hostname, auth_key, state_dir, ephemeral
//
// # Validation
//
// auth.jwt_secret is required and must be at least 32 characters.
// heartbeat_timeout must exceed heartbeat_interval. node.id is required once
// peers are listed, and peer ids must be unique and differ from node.id.
package config
