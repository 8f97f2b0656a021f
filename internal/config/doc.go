// Package config loads, normalizes, and validates skylift's TOML
// configuration.
package config
