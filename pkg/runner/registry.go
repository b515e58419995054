package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RunnerFactory builds a Runner from configuration options.
type RunnerFactory func(opts map[string]any) (Runner, error)

// AgentFactory builds an Agent from configuration options.
type AgentFactory func(opts map[string]any) (Agent, error)

var (
	registryMu      sync.RWMutex
	runnerFactories = map[string]RunnerFactory{}
	agentFactories  = map[string]AgentFactory{}
)

// RegisterRunner makes a runner available by name. Concrete runners call
// this from an init function or explicit wiring; last registration wins.
func RegisterRunner(name string, factory RunnerFactory) {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	runnerFactories[name] = factory
}

// RegisterAgent makes an agent available by name.
func RegisterAgent(name string, factory AgentFactory) {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	agentFactories[name] = factory
}

// NewRunner instantiates the named runner.
func NewRunner(name string, opts map[string]any) (Runner, error) {
	registryMu.RLock()
	factory, ok := runnerFactories[strings.TrimSpace(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownRunner, name, strings.Join(RunnerNames(), ", "))
	}
	return factory(opts)
}

// NewAgent instantiates the named agent.
func NewAgent(name string, opts map[string]any) (Agent, error) {
	registryMu.RLock()
	factory, ok := agentFactories[strings.TrimSpace(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownAgent, name, strings.Join(AgentNames(), ", "))
	}
	return factory(opts)
}

// RunnerNames lists registered runner names, sorted.
func RunnerNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(runnerFactories))
	for n := range runnerFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AgentNames lists registered agent names, sorted.
func AgentNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(agentFactories))
	for n := range agentFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
