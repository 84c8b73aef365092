// Package config defines the operator's runtime configuration.
//
// A [Config] starts from [Default], is overlaid with an optional YAML file
// and then with CUSTOMAPP_* environment variables, and is validated before
// the engine is built from it.
package config
