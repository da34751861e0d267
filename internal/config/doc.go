// ABOUTME: Package documentation for configuration loading
// ABOUTME: Documents the YAML layout, env var expansion, and defaults

// Package config handles configuration loading for the outpost agent.
//
// Configuration is YAML. Values in the form ${VAR_NAME} are expanded from
// the environment before parsing, and duration fields accept Go duration
// strings ("5s", "5m"). Absent fields fall back to the Default* constants.
//
// A minimal config needs only the upstream and the database:
//
//	upstream:
//	  base_url: "https://pos.example.com"
//
//	database:
//	  path: "/var/lib/outpost/outpost.db"
//
// The full layout:
//
//	server:
//	  listen_addr: "127.0.0.1:7077"
//
//	upstream:
//	  base_url: "https://pos.example.com"
//	  health_path: "/health"
//
//	database:
//	  path: "/var/lib/outpost/outpost.db"
//
//	outbox:
//	  base_backoff: "5s"
//	  max_backoff: "5m"
//	  max_attempts: 10
//
//	sync:
//	  wake_schedule: "@every 1m"
//	  probe_interval: "30s"
//
//	cache:
//	  max_age: "24h"
//	  sensitive_paths: ["/auth", "/token", "/login", "/profile", "/me"]
//
//	auth:
//	  token_file: "/var/lib/outpost/token"
//	  refresh_url: "https://pos.example.com/auth/refresh"
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
