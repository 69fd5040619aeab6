package fiscal

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// Profiles lists known printer models.
type Profiles struct {
	Profiles []Capabilities `yaml:"profiles"`
}

// LoadProfiles decodes a YAML profile list.
func LoadProfiles(r io.Reader) (Profiles, error) {
	var p Profiles
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profiles{}, fmt.Errorf("fiscal: decode profiles: %w", err)
	}
	for i, c := range p.Profiles {
		if c.Brand == "" || c.Model == "" {
			return Profiles{}, fmt.Errorf("fiscal: profile %d lacks brand or model", i)
		}
	}
	return p, nil
}

// LoadProfilesFile reads profiles from path, or the built-in list when path is empty.
func LoadProfilesFile(path string) (Profiles, error) {
	if path == "" {
		return DefaultProfiles()
	}
	f, err := os.Open(path)
	if err != nil {
		return Profiles{}, fmt.Errorf("fiscal: open profiles: %w", err)
	}
	defer f.Close()
	return LoadProfiles(f)
}

// DefaultProfiles returns the built-in printer profiles.
func DefaultProfiles() (Profiles, error) {
	return LoadProfiles(strings.NewReader(string(defaultProfiles)))
}

// Lookup finds a profile by brand and model, case-insensitively.
func (p Profiles) Lookup(brand, model string) (Capabilities, bool) {
	for _, c := range p.Profiles {
		if strings.EqualFold(c.Brand, brand) && strings.EqualFold(c.Model, model) {
			return c, true
		}
	}
	return Capabilities{}, false
}
