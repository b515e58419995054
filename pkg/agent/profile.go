// Package agent provides configurable agent profiles satisfying the
// runner.Agent contract.
//
// A profile is a declarative description of an external coding tool: the
// argv template to invoke it, required environment, and the
// interactive-prompt patterns that mean it is stuck waiting on input.
package agent

import (
	"fmt"
	"strings"

	"github.com/3leaps/gowarden/pkg/runner"
)

// PromptPlaceholder marks where the job prompt is substituted into the
// argv template. A template without the placeholder gets the prompt
// appended as the final argument.
const PromptPlaceholder = "{prompt}"

// Profile implements runner.Agent from configuration.
type Profile struct {
	Name        string
	Argv        []string
	Environment map[string]string
	Stops       []string
}

var _ runner.Agent = (*Profile)(nil)

// Command substitutes the prompt into the argv template.
func (p *Profile) Command(prompt string) []string {
	out := make([]string, 0, len(p.Argv)+1)
	substituted := false
	for _, arg := range p.Argv {
		if strings.Contains(arg, PromptPlaceholder) {
			arg = strings.ReplaceAll(arg, PromptPlaceholder, prompt)
			substituted = true
		}
		out = append(out, arg)
	}
	if !substituted {
		out = append(out, prompt)
	}
	return out
}

// Env returns the profile's environment variables.
func (p *Profile) Env() map[string]string {
	return p.Environment
}

// StopSequences returns the profile's interactive-prompt patterns.
func (p *Profile) StopSequences() []string {
	return p.Stops
}

// Validate checks the profile is usable.
func (p *Profile) Validate() error {
	if len(p.Argv) == 0 {
		return fmt.Errorf("agent profile %q: argv is required", p.Name)
	}
	return nil
}

// defaultStops covers the confirmation prompts common CLI coding tools
// emit when they want input no orchestrated run will provide.
var defaultStops = []string{
	"Do you want to proceed?",
	"Continue? [y/N]",
	"(y/n)",
	"Press Enter to continue",
}

// NewProfile builds a Profile from registry options.
//
// Recognized options: argv ([]string), env (map[string]string),
// stop_sequences ([]string). Missing stop_sequences fall back to the
// common defaults.
func NewProfile(name string, opts map[string]any) (*Profile, error) {
	p := &Profile{Name: name, Stops: defaultStops}

	if raw, ok := opts["argv"]; ok {
		argv, err := toStringSlice(raw)
		if err != nil {
			return nil, fmt.Errorf("agent profile %q: argv: %w", name, err)
		}
		p.Argv = argv
	}
	if raw, ok := opts["env"]; ok {
		env, err := toStringMap(raw)
		if err != nil {
			return nil, fmt.Errorf("agent profile %q: env: %w", name, err)
		}
		p.Environment = env
	}
	if raw, ok := opts["stop_sequences"]; ok {
		stops, err := toStringSlice(raw)
		if err != nil {
			return nil, fmt.Errorf("agent profile %q: stop_sequences: %w", name, err)
		}
		p.Stops = stops
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func init() {
	// The script agent hands the prompt to a shell. It exists for
	// harness and smoke-test use; real coding tools are configured as
	// profiles with explicit argv templates.
	runner.RegisterAgent("script", func(opts map[string]any) (runner.Agent, error) {
		return &Profile{
			Name:  "script",
			Argv:  []string{"/bin/sh", "-c", PromptPlaceholder},
			Stops: defaultStops,
		}, nil
	})

	runner.RegisterAgent("profile", func(opts map[string]any) (runner.Agent, error) {
		name := "profile"
		if n, ok := opts["name"].(string); ok && strings.TrimSpace(n) != "" {
			name = n
		}
		return NewProfile(name, opts)
	})
}

func toStringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", raw)
	}
}

func toStringMap(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("key %q: expected string, got %T", k, item)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string map, got %T", raw)
	}
}
