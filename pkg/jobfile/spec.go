package jobfile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Spec is the user-facing YAML description from which a job is created.
//
// Example:
//
//	name: fix-flaky-tests
//	prompt: |
//	  Find and fix the flaky tests in pkg/transport.
//	repo: /srv/checkouts/transport
//	role: autonomous
//	require_approval: true
//	evidence:
//	  - "**/*.patch"
//	  - "notes.md"
type Spec struct {
	Name            string   `yaml:"name,omitempty"`
	Prompt          string   `yaml:"prompt"`
	Repo            string   `yaml:"repo,omitempty"`
	Runner          string   `yaml:"runner,omitempty"`
	Agent           string   `yaml:"agent,omitempty"`
	Role            string   `yaml:"role,omitempty"`
	RequireApproval bool     `yaml:"require_approval,omitempty"`
	Evidence        []string `yaml:"evidence,omitempty"`
}

// Validate checks the spec before a job is created from it.
func (sp *Spec) Validate() error {
	if strings.TrimSpace(sp.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	switch sp.Role {
	case "", RoleAutonomous, RoleInteractive:
	default:
		return fmt.Errorf("unknown role %q (want %s or %s)", sp.Role, RoleAutonomous, RoleInteractive)
	}
	return nil
}

// LoadSpec reads and validates a job spec from a YAML file.
func LoadSpec(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job spec not found: %s", path)
		}
		return nil, fmt.Errorf("read job spec: %w", err)
	}

	var sp Spec
	if err := yaml.Unmarshal(b, &sp); err != nil {
		return nil, fmt.Errorf("parse job spec: %w", err)
	}
	if err := sp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}
	return &sp, nil
}

// NewJob creates a DRAFT job from a validated spec.
func NewJob(sp *Spec) (*Job, error) {
	if sp == nil {
		return nil, fmt.Errorf("spec is nil")
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Job{
		JobID:           uuid.New().String(),
		Name:            strings.TrimSpace(sp.Name),
		State:           StateDraft,
		Prompt:          sp.Prompt,
		Repo:            strings.TrimSpace(sp.Repo),
		Runner:          strings.TrimSpace(sp.Runner),
		Agent:           strings.TrimSpace(sp.Agent),
		Role:            sp.Role,
		RequireApproval: sp.RequireApproval,
		EvidenceGlobs:   sp.Evidence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
