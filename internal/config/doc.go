// Package config handles configuration loading for coven-coordinator.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from the COVEN_COORDINATOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/coordinator.yaml
//  3. ~/.config/coven/coordinator.yaml
//
// Files ending in .toml are decoded as TOML; everything else as YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	monitor:
//	  sweep_interval: "60s"
//	  stale_after: "5m"
//	  discovery_interval: "10m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  grpc_addr: "127.0.0.1:50061"
//
//	store:
//	  backend: "file"      # memory | file | sqlite
//	  dir: "~/.local/share/coven/coordinator"
//	  path: "coordinator.db" # sqlite only
//
//	monitor:
//	  essential: ["build-1"]
//
//	agents:
//	  weights:
//	    debug: 9
//	  launch:
//	    build-1:
//	      command: "/usr/local/bin/build-agent"
//	      args: ["--name", "build-1"]
//
//	discovery:
//	  enabled: true
//	  roots: ["."]
//	  markdown_files: ["TODO.md"]
//	  markers:
//	    TODO: codegen
//	    FIXME: debug
//
//	logging:
//	  level: "info"   # debug | info | warn | error
//	  format: "text"  # text | json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
