// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and CODECHAIN_ environment variables. It
// covers server settings, the sandbox runtime and image, logging and the
// destinations used by workflow exports.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Image tag: %s\n", cfg.Sandbox.ImageTag)
package config
