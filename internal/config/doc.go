// Package config loads the daemon configuration from an optional JSON file and
// applies AUTOTRADER_* environment overrides on top of it.
package config
