package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"peervault/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress      string  `toml:"RPCAddress"`
	DataDir         string  `toml:"DataDir"`
	NetworkName     string  `toml:"NetworkName"`
	KeystorePath    string  `toml:"KeystorePath"`
	RPCJWTSecretEnv string  `toml:"RPCJWTSecretEnv,omitempty"`
	RPCRateLimit    float64 `toml:"RPCRateLimit,omitempty"`
	RPCRateBurst    int     `toml:"RPCRateBurst,omitempty"`

	Policy    Policy    `toml:"policy"`
	Genesis   Genesis   `toml:"genesis"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
}

// WithKeystorePassphrase supplies the passphrase used when a fresh operator
// keystore has to be generated. The default is an empty passphrase so an
// unattended first boot works without any environment set up.
func WithKeystorePassphrase(source func() (string, error)) Option {
	return func(o *loadOptions) {
		if source != nil {
			o.passphrase = source
		}
	}
}

// Load reads the configuration from the given path, creating a default file
// with a fresh operator keystore when none exists. Unknown keys are rejected
// so typos never silently drop settings.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{passphrase: func() (string, error) { return "", nil }}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options.passphrase)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := ensureKeystore(path, cfg, options.passphrase); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "peervault-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./peervault-data"
	}

	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config, passphrase func() (string, error)) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		pass, passErr := passphrase()
		if passErr != nil {
			return passErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file. The generated
// operator key doubles as the initial policy owner, arbitrator and fee
// recipient so a single-operator network works out of the box.
func createDefault(path string, passphrase func() (string, error)) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		return nil, err
	}

	operator := key.PubKey().Address().String()
	cfg := &Config{
		RPCAddress:   ":8080",
		DataDir:      "./peervault-data",
		NetworkName:  "peervault-local",
		KeystorePath: keystorePath,
		Policy: Policy{
			Owner:        operator,
			Arbitrator:   operator,
			FeeRecipient: operator,
			DisputeStake: "0",
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}
