// Package config loads the zone's TOML configuration file, fills
// defaults, validates it, and optionally hot-reloads it on change.
package config
