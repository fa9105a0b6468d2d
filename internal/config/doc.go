// Package config handles configuration loading for hive-broker.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from PI_HIVE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/pi-hive/broker.yaml, or ~/.config/pi-hive/broker.yaml
//     when XDG_CONFIG_HOME is unset
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	broker:
//	  hub_id: "${PI_HIVE_HUB_ID}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Broker identity:
//
//	broker:
//	  hub_id: "hub-local"   # optional; generated when empty
//
// Agent timing:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "60s"
//
// Inbox timing:
//
//	inbox:
//	  settle_delay: "300ms"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Heartbeat timeout exceeds the interval
//   - Duration format validity
//   - Logging format values
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
