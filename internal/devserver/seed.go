package devserver

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tOgg1/toolchat/internal/db"
	"github.com/tOgg1/toolchat/internal/models"
)

// Seed is a directory fixture loaded from YAML:
//
//	users:
//	  - id: alice
//	    name: Alice
//	communities:
//	  - id: c1
//	    name: Woodworkers
//	    members: [alice, bob]
type Seed struct {
	Users       []SeedUser      `yaml:"users"`
	Communities []SeedCommunity `yaml:"communities"`
}

// SeedUser is one user entry.
type SeedUser struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	AvatarURL string `yaml:"avatar_url"`
}

// SeedCommunity is one community entry with its members.
type SeedCommunity struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	ImageURL string   `yaml:"image_url"`
	Members  []string `yaml:"members"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes a YAML seed.
func ParseSeed(raw []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &seed, nil
}

// Apply upserts every user and community. Applying the same seed twice is a
// no-op.
func (s *Seed) Apply(ctx context.Context, dir *db.DirectoryRepository) error {
	for _, u := range s.Users {
		if err := dir.UpsertUser(ctx, models.Participant{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}); err != nil {
			return fmt.Errorf("seed user %q: %w", u.ID, err)
		}
	}
	for _, c := range s.Communities {
		if err := dir.UpsertCommunity(ctx, models.Community{ID: c.ID, Name: c.Name, ImageURL: c.ImageURL}); err != nil {
			return fmt.Errorf("seed community %q: %w", c.ID, err)
		}
		for _, member := range c.Members {
			if err := dir.AddMember(ctx, c.ID, member); err != nil {
				return fmt.Errorf("seed member %q of %q: %w", member, c.ID, err)
			}
		}
	}
	return nil
}
