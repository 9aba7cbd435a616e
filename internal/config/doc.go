// Package config provides configuration management for the workflow kernel.
//
// Configuration is loaded from environment variables using the env package.
// An optional TOML policy file (DAGO_POLICY_FILE) carries the recovery
// rules, governor limits and resource policy; values set in the file
// override the environment.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	policy, err := cfg.RecoveryPolicy()
package config
