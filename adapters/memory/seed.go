package memory

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// Seed is the YAML fixture of users and episode prompts
type Seed struct {
	Users   []entities.UserRecord   `yaml:"users"`
	Prompts []entities.SystemPrompt `yaml:"prompts"`
}

// LoadSeed reads a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &seed, nil
}

// Apply writes the seed into the given stores. Users already present are kept.
func (s *Seed) Apply(ctx context.Context, users repositories.UserRepository, prompts repositories.PromptRepository) error {
	for i := range s.Users {
		user := s.Users[i]
		if err := users.Create(ctx, &user); err != nil && !errors.Is(err, repositories.ErrAlreadyExists) {
			return fmt.Errorf("failed to seed user %s: %w", user.DeviceID, err)
		}
	}
	for i := range s.Prompts {
		prompt := s.Prompts[i]
		if err := prompts.Upsert(ctx, &prompt); err != nil {
			return fmt.Errorf("failed to seed prompt %d/%d: %w", prompt.Season, prompt.Episode, err)
		}
	}
	return nil
}
