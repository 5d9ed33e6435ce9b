// Package config handles loading and validating graylink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling, including per-connection defaults
//
// Security Considerations:
//   - Broker credentials should be set via GRAYLINK_CONNECTION_USERNAME and
//     GRAYLINK_CONNECTION_PASSWORD rather than committed to the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/graylink.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, c := range cfg.Connections {
//	    fmt.Println(c.Endpoint, c.ClientID)
//	}
package config
