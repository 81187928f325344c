// Package config loads and validates the agentrun host daemon's
// configuration: koanf defaults merged with AGENTRUN_-prefixed environment
// variables, unmarshalled into a typed Config and checked with
// go-playground/validator struct tags. Validation failure enumerates every
// invalid field rather than stopping at the first; nothing is silently
// defaulted when present-but-bad.
package config
