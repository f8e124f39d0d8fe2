package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one serviceability provider endpoint
type ProviderConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	APIKey     string        `yaml:"-"`
	Timeout    time.Duration `yaml:"timeout"`
	Pacing     string        `yaml:"pacing"`
	FixedDelay time.Duration `yaml:"fixed_delay"`
}

// ProvidersFile is the on-disk layout of the providers definition file
type ProvidersFile struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ParseProviders decodes provider definitions from YAML bytes and resolves API keys from the environment
func ParseProviders(data []byte) (ProvidersFile, error) {
	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ProvidersFile{}, fmt.Errorf("failed to parse providers: %w", err)
	}

	for name, p := range file.Providers {
		if p.BaseURL == "" {
			return ProvidersFile{}, fmt.Errorf("provider %s: base_url is required", name)
		}
		if p.Timeout <= 0 {
			p.Timeout = 15 * time.Second
		}
		if p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		file.Providers[name] = p
	}
	return file, nil
}

// LoadProviders reads provider definitions from path. A missing file yields an empty set.
func LoadProviders(path string) (ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ProvidersFile{Providers: map[string]ProviderConfig{}}, nil
		}
		return ProvidersFile{}, fmt.Errorf("failed to read providers file: %w", err)
	}
	return ParseProviders(data)
}

// Names returns provider names in sorted order
func (f ProvidersFile) Names() []string {
	names := make([]string, 0, len(f.Providers))
	for name := range f.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
