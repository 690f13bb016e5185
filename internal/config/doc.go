// Package config loads the relayd runtime configuration from a JSON file,
// fills in defaults and resolves secrets and overrides from the environment.
// Chain endpoints may additionally be described in a YAML definitions file.
package config
