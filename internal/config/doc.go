// Package config loads the FeatureScope runtime configuration from a JSON or
// YAML file, fills in defaults and resolves secrets referenced through
// environment variables.
package config
