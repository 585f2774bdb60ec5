// Package config handles loading and validating CC Bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (CCBRIDGE_*, plus PORT)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.LoadOptional("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
