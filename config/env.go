package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Env holds process-level overrides read from the environment (prefix
// WOXXY_). They take precedence over wire-protocol defaults but never touch
// the persisted settings file.
type Env struct {
	DiscoveryPort int  `envconfig:"DISCOVERY_PORT"`
	TransferPort  int  `envconfig:"TRANSFER_PORT"`
	MDNS          bool `envconfig:"MDNS"`
}

// LoadEnv reads an optional .env file and then the WOXXY_* environment
// variables. A missing .env file is not an error.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()

	var env Env
	if err := envconfig.Process("woxxy", &env); err != nil {
		return Env{}, fmt.Errorf("parse environment overrides: %w", err)
	}
	return env, nil
}
