package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/superdarn/timingd/internal/types"
)

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load finds <name>.json in the search paths, validates it and caches the
// result by name.
func (l *ProfileLoader) Load(name string) (*types.CardProfileDefinition, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*types.CardProfileDefinition), nil
	}

	var data []byte
	var foundPath string

	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, name+".json")
		if b, err := os.ReadFile(fullPath); err == nil {
			data = b
			foundPath = fullPath
			break
		}
	}

	if data == nil {
		return nil, fmt.Errorf("%w: profile %s (searched in: %v)", types.ErrDeviceNotFound, name, l.searchPaths)
	}

	profile, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", foundPath, err)
	}

	l.cache.Store(name, profile)
	return profile, nil
}

// Parse validates raw profile JSON against the schema and the topology rules.
func (l *ProfileLoader) Parse(data []byte) (*types.CardProfileDefinition, error) {
	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, err
	}

	var profile types.CardProfileDefinition
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	if err := l.validator.ValidateTopology(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
