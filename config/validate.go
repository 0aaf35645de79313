package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects configurations that could not boot a node. The
// policy and genesis blocks are checked by running the same conversion the
// daemon performs at startup.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		return fmt.Errorf("config: NetworkName required")
	}
	if cfg.RPCRateLimit < 0 {
		return fmt.Errorf("config: RPCRateLimit must not be negative")
	}
	if cfg.RPCRateBurst < 0 {
		return fmt.Errorf("config: RPCRateBurst must not be negative")
	}
	if _, err := cfg.CoreGenesis(); err != nil {
		return err
	}
	return nil
}
