// Package config loads the indexer's runtime configuration, grounded on
// the teacher's cmd/api/config.go uconfig.Classic pipeline: defaults
// baked into struct tags, optionally overridden by a JSON config file,
// then by environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/omeid/uconfig"
	"github.com/omeid/uconfig/plugins"
	"github.com/omeid/uconfig/plugins/file"

	"github.com/manusoman/hyperindex/internal/hyperindex"
)

// ContractConfig declares one contract this chain indexes: its address,
// ABI source path, and the event names the registry should decode.
type ContractConfig struct {
	Name    string `default:""`
	Address string `default:""`
	ABIPath string `default:""`
	Events  []string
}

// ChainConfig is one chain's execution stack configuration.
type ChainConfig struct {
	ChainID          hyperindex.ChainID `default:"0"`
	StartBlock       int64              `default:"0"`
	RPCEndpoint      string             `default:""`
	MaxBlockInterval int64              `default:"2000"`
	MinBlockInterval int64              `default:"1"`
	GrowthStep       int64              `default:"200"`
	Contracts        []ContractConfig
}

// Config is the top-level indexer configuration.
type Config struct {
	Durable struct {
		URI string `default:"hyperindex.db"`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
	Commit struct {
		MaxAttempts int    `default:"5"`
		BaseDelay   string `default:"200ms"`
	}
	BatchSize struct {
		Min int `default:"1"`
		Max int `default:"1000"`
	}

	Chains []ChainConfig
}

// configFilename is the config file automatically loaded from dir, if
// present.
var configFilename = "config.json"

// Load reads configuration from dir's config.json (if present), layers
// environment variable overrides on top, and returns the populated
// Config.
func Load(dir string) (*Config, error) {
	var ps []plugins.Plugin
	fullPath := filepath.Join(dir, configFilename)
	raw, err := os.ReadFile(fullPath)
	switch {
	case os.IsNotExist(err):
		// no config file; defaults + env only
	case err != nil:
		return nil, fmt.Errorf("reading config file %s: %w", fullPath, err)
	default:
		expanded := os.ExpandEnv(string(raw))
		ps = append(ps, file.NewReader(strings.NewReader(expanded), json.Unmarshal))
	}

	conf := &Config{}
	c, err := uconfig.Classic(&conf, file.Files{}, ps...)
	if err != nil {
		c.Usage()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}
