// Package sectioncfg defines which sections a discharge plan must carry for
// a given language and caregiver configuration. The mapping is data, not
// code: the default set ships embedded and a deployment can override it with
// its own YAML file.
package sectioncfg

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed sections.yaml
var defaultYAML []byte

// Section is one named content unit of a discharge plan.
type Section struct {
	Key           string            `yaml:"key"`
	Titles        map[string]string `yaml:"titles"`
	CaregiverOnly bool              `yaml:"caregiver_only"`
}

// Config holds the full section layout for discharge plans.
type Config struct {
	Sections []Section `yaml:"sections"`

	// EmergencyContactSection names the section that must contain a
	// reachable phone number before a plan can pass QC.
	EmergencyContactSection string `yaml:"emergency_contact_section"`

	// MedicationsSection names the section checked for per-medication detail.
	MedicationsSection string `yaml:"medications_section"`
}

// Default returns the embedded section layout. It panics on a malformed
// embedded file, which only happens when the build itself is broken.
func Default() Config {
	cfg, err := parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("sectioncfg: embedded sections.yaml invalid: %v", err))
	}
	return cfg
}

// Load reads a section layout from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read section config %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse section config: %w", err)
	}
	if len(cfg.Sections) == 0 {
		return Config{}, fmt.Errorf("section config has no sections")
	}
	seen := make(map[string]bool, len(cfg.Sections))
	for _, s := range cfg.Sections {
		if s.Key == "" {
			return Config{}, fmt.Errorf("section config has a section with no key")
		}
		if seen[s.Key] {
			return Config{}, fmt.Errorf("duplicate section key %q", s.Key)
		}
		seen[s.Key] = true
	}
	if cfg.EmergencyContactSection != "" && !seen[cfg.EmergencyContactSection] {
		return Config{}, fmt.Errorf("emergency_contact_section %q is not a known section", cfg.EmergencyContactSection)
	}
	if cfg.MedicationsSection != "" && !seen[cfg.MedicationsSection] {
		return Config{}, fmt.Errorf("medications_section %q is not a known section", cfg.MedicationsSection)
	}
	return cfg, nil
}

// RequiredKeys returns the ordered section keys a plan must carry.
// Caregiver-only sections are included only when the plan is configured to
// include caregiver instructions.
func (c Config) RequiredKeys(includeCaregiver bool) []string {
	keys := make([]string, 0, len(c.Sections))
	for _, s := range c.Sections {
		if s.CaregiverOnly && !includeCaregiver {
			continue
		}
		keys = append(keys, s.Key)
	}
	return keys
}

// CaregiverKeys returns the section keys present only on caregiver plans.
func (c Config) CaregiverKeys() []string {
	var keys []string
	for _, s := range c.Sections {
		if s.CaregiverOnly {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// Title returns the display title for a section key in the given language,
// falling back to English and then to the raw key.
func (c Config) Title(key, language string) string {
	for _, s := range c.Sections {
		if s.Key != key {
			continue
		}
		if t, ok := s.Titles[language]; ok && t != "" {
			return t
		}
		if t, ok := s.Titles["en"]; ok && t != "" {
			return t
		}
		break
	}
	return key
}

// Known reports whether key is part of the configured layout.
func (c Config) Known(key string) bool {
	for _, s := range c.Sections {
		if s.Key == key {
			return true
		}
	}
	return false
}
