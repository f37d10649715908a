// Package config loads the council configuration from a YAML file, overlays
// gateway credentials from the environment and persists updates back to the
// same file.
package config
