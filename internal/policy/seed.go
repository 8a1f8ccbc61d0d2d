package policy

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dtroode/academysync/internal/model"
)

type seedFile struct {
	Permissions []model.Permission     `yaml:"permissions"`
	Roles       []model.Role           `yaml:"roles"`
	Assignments []model.RoleAssignment `yaml:"assignments"`
}

// LoadSeed reads a YAML policy seed. Permissions may be given by id or as
// "resource:action" objects; every document is validated.
func LoadSeed(r io.Reader) (Set, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Set{}, fmt.Errorf("failed to decode policy seed: %w", err)
	}

	for i := range f.Permissions {
		p := &f.Permissions[i]
		if p.ID == "" && p.Resource != "" && p.Action != "" {
			p.ID = p.String()
		}
		if err := model.Validate(p); err != nil {
			return Set{}, fmt.Errorf("permission %d: %w", i, err)
		}
	}
	for i := range f.Roles {
		if err := model.Validate(&f.Roles[i]); err != nil {
			return Set{}, fmt.Errorf("role %d: %w", i, err)
		}
	}
	for i := range f.Assignments {
		if err := model.Validate(&f.Assignments[i]); err != nil {
			return Set{}, fmt.Errorf("assignment %d: %w", i, err)
		}
	}

	return NewSet(f.Roles, f.Permissions, f.Assignments), nil
}

// LoadSeedFile reads the seed at path. An empty path yields an empty set.
func LoadSeedFile(path string) (Set, error) {
	if path == "" {
		return NewSet(nil, nil, nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Set{}, fmt.Errorf("failed to open policy seed: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}
