package main

import (
	"os"
	"time"

	fetchrules "github.com/always-cache/gqlcache/pkg/fetch-rules"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// GraphQL endpoint of the origin.
	Origin string `yaml:"origin"`
	// Headers sent to the origin, e.g. an API key.
	Headers map[string]string `yaml:"headers"`
	// Prefix of the keys in the cache db.
	KeyPrefix       string           `yaml:"keyPrefix"`
	PersistInterval time.Duration    `yaml:"persistInterval"`
	RetryMax        int              `yaml:"retryMax"`
	Rules           fetchrules.Rules `yaml:"rules"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	return config, config.Rules.Validate()
}
