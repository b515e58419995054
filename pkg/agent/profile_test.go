package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gowarden/pkg/runner"
)

func TestProfile_CommandSubstitution(t *testing.T) {
	p := &Profile{
		Name: "tool",
		Argv: []string{"codetool", "--print", "--prompt", PromptPlaceholder},
	}

	argv := p.Command("fix the bug")
	assert.Equal(t, []string{"codetool", "--print", "--prompt", "fix the bug"}, argv)
}

func TestProfile_CommandAppendsWithoutPlaceholder(t *testing.T) {
	p := &Profile{Name: "tool", Argv: []string{"codetool", "run"}}

	argv := p.Command("do it")
	assert.Equal(t, []string{"codetool", "run", "do it"}, argv)
}

func TestNewProfile(t *testing.T) {
	p, err := NewProfile("custom", map[string]any{
		"argv":           []any{"mytool", PromptPlaceholder},
		"env":            map[string]any{"TOOL_MODE": "batch"},
		"stop_sequences": []any{"Proceed?"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"TOOL_MODE": "batch"}, p.Env())
	assert.Equal(t, []string{"Proceed?"}, p.StopSequences())
}

func TestNewProfile_RequiresArgv(t *testing.T) {
	_, err := NewProfile("empty", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argv is required")
}

func TestScriptAgentRegistered(t *testing.T) {
	a, err := runner.NewAgent("script", nil)
	require.NoError(t, err)

	argv := a.Command("echo hi")
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, argv)
	assert.NotEmpty(t, a.StopSequences())
}
