package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"execution-core/pkg/db"
)

// Seed is one entry of the accounts file.
type Seed struct {
	ID         string `yaml:"id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"` // plaintext, ENC[vN]:..., or env:NAME
	ProfileDir string `yaml:"profile_dir"`
}

type seedFile struct {
	Accounts []Seed `yaml:"accounts"`
}

// LoadSeeds reads an accounts file. A missing file yields no seeds.
func LoadSeeds(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Accounts))
	for i, s := range f.Accounts {
		if s.ID == "" || s.Username == "" || s.Password == "" {
			return nil, fmt.Errorf("accounts[%d]: id, username and password are required", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %s", i, s.ID)
		}
		seen[s.ID] = true
	}
	return f.Accounts, nil
}

// Sync upserts seeds, sealing plaintext passwords. Accounts without a profile
// dir get one under profileRoot. Operator disable flags are preserved.
func (s *DBStore) Sync(ctx context.Context, seeds []Seed, profileRoot string) (int, error) {
	for _, seed := range seeds {
		stored, err := s.seal(seed.ID, seed.Password)
		if err != nil {
			return 0, err
		}
		profile := seed.ProfileDir
		if profile == "" {
			profile = filepath.Join(profileRoot, seed.ID)
		}
		if err := s.q.UpsertAccount(ctx, db.Account{
			ID:         seed.ID,
			Username:   seed.Username,
			Secret:     stored,
			ProfileDir: profile,
		}); err != nil {
			return 0, err
		}
	}
	return len(seeds), nil
}
