package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// reading config error is fatal, and exists main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func readFile(cfg *Configuration, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	return decoder.Decode(cfg)
}

func readEnv(cfg *Configuration) error {
	// .env is optional, variables may be set externally
	_ = godotenv.Load()

	if err := envconfig.Process("", cfg); err != nil {
		return err
	}

	// RPC endpoints often carry API keys, allow RPC_ETHEREUM=url1,url2 and WS_ETHEREUM=url
	for i := range cfg.Chains {
		key := strings.ToUpper(cfg.Chains[i].Key)
		if v := os.Getenv("RPC_" + key); v != "" {
			cfg.Chains[i].RPCList = strings.Split(v, ",")
		}
		if v := os.Getenv("WS_" + key); v != "" {
			cfg.Chains[i].WSURL = v
		}
	}
	return nil
}

// Load reads defaults, then the yaml file (if present), then the environment.
func Load(path string) (*Configuration, error) {
	cfg := Defaults()
	if path != "" {
		err := readFile(&cfg, path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}
	if err := readEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Configuration) Validate() error {
	if len(c.Chains) == 0 {
		return errors.New("no chains configured")
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Key == "" {
			return errors.New("chain with empty key")
		}
		if seen[ch.Key] {
			return fmt.Errorf("duplicate chain %s", ch.Key)
		}
		seen[ch.Key] = true
		if len(ch.RPCList) == 0 {
			return fmt.Errorf("chain %s has no rpc endpoints", ch.Key)
		}
	}
	if c.Server.Ledger != "redis" && c.Server.Ledger != "memory" {
		return fmt.Errorf("unknown ledger backend %q", c.Server.Ledger)
	}
	if c.Signer.Mode != "remote" && c.Signer.Mode != "keys" {
		return fmt.Errorf("unknown signer mode %q", c.Signer.Mode)
	}
	return nil
}

func Init() {
	cfg, err := Load("config.yml")
	if err != nil {
		processError(err)
	}
	Config = *cfg
}
