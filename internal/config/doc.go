// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config.yaml and BOUNTYGO_ environment variables.
// It provides type-safe access to the engine's pool, retry and degradation
// settings while keeping configuration details separate from the engine itself.
package config
