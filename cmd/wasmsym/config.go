package main

import (
	"fmt"
	"os"

	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v3"

	"github.com/grafana/wasmsym/pkg/fetch"
	"github.com/grafana/wasmsym/pkg/symbolizer"
)

type config struct {
	Symbolizer symbolizer.Config `yaml:"symbolizer"`
	Fetch      fetch.HTTPConfig  `yaml:"fetch"`
}

// loadConfig returns the flag defaults overlaid with the yaml file at path,
// if any.
func loadConfig(path string) (config, error) {
	var cfg config
	flagext.DefaultValues(&cfg.Symbolizer, &cfg.Fetch)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}
