// Package config loads the farm supervisor configuration.
//
// The file is TOML or YAML, picked by extension (.toml, .yaml, .yml).
// Durations are written as strings ("25s", "2m").
//
//	[server]
//	url = "wss://game.example.com/ws"
//	codec = "json"
//
//	[session]
//	call_timeout = "10s"
//	heartbeat_interval = "25s"
//	rate_limit = 30
//	rate_window = "1m"
//
//	[schedule.farm]
//	min = "5m"
//	max = "8m"
//
//	[[accounts]]
//	id = "alice"
//	token = "..."
//
// Files holding account tokens should not be readable by group or others;
// CheckPermissions reports when they are.
//
// Watcher reloads the file on change and hands the validated result to a
// callback, which the supervisor turns into a new configuration revision.
package config
