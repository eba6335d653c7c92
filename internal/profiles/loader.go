package profiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no search path holds the profile.
var ErrNotFound = errors.New("profile not found")

// Profile describes the register layout of one inverter model.
type Profile struct {
	// ID is the file name without extension, used to apply the profile.
	ID          string            `yaml:"-" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Vendor      string            `yaml:"vendor" json:"vendor"`
	Model       string            `yaml:"model" json:"model"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	RegisterMap types.RegisterMap `yaml:"register_map" json:"register_map"`
}

type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Validator returns the register map validator used by the loader.
func (l *Loader) Validator() *Validator {
	return l.validator
}

// Load finds <name>.yaml (or .yml) in the search paths.
func (l *Loader) Load(name string) (*Profile, error) {
	// Cache-Check
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Profile), nil
	}

	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid profile name %q", name)
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range []string{".yaml", ".yml"} {
			fullPath := filepath.Join(searchPath, name+ext)
			data, err := os.ReadFile(fullPath)
			if err != nil {
				continue
			}

			profile, err := l.parse(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fullPath, err)
			}
			profile.ID = name
			if profile.Name == "" {
				profile.Name = name
			}

			l.cache.Store(name, profile)
			return profile, nil
		}
	}

	return nil, fmt.Errorf("%w: %s (searched in: %v)", ErrNotFound, name, l.searchPaths)
}

func (l *Loader) parse(data []byte) (*Profile, error) {
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	if err := l.validator.ValidateRegisterMap(profile.RegisterMap); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &profile, nil
}

// List returns every valid profile in the search paths, sorted by id.
// Earlier search paths win on duplicate names; invalid files are skipped.
func (l *Loader) List() ([]*Profile, error) {
	seen := make(map[string]bool)
	var out []*Profile

	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", searchPath, err)
		}

		for _, entry := range entries {
			ext := filepath.Ext(entry.Name())
			if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ext)
			if seen[name] {
				continue
			}

			profile, err := l.Load(name)
			if err != nil {
				continue
			}
			seen[name] = true
			out = append(out, profile)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
