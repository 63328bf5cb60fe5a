// Package config loads the daemon configuration from a JSON file and overlays
// secrets and deployment overrides from FLOWSEND_* environment variables.
package config
