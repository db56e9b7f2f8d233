// Package agent defines the envelope the engine exchanges with generator
// agents. The engine never interprets model-specific semantics, only this
// request/response contract.
package agent

import (
	"context"
	"fmt"

	"github.com/aristath/stagehand/internal/artifact"
)

// Request describes one generation task handed to an agent.
type Request struct {
	Role        string              `json:"role"`
	Capability  string              `json:"capability,omitempty"`
	Description string              `json:"description"`
	Artifacts   []artifact.Artifact `json:"artifacts,omitempty"`   // inputs available to the agent
	Constraints []string            `json:"constraints,omitempty"` // fix instructions, policy feedback
}

// TokenUsage accounts for one agent call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Response carries an agent's produced artifacts and usage accounting.
type Response struct {
	Artifacts  []artifact.Artifact `json:"artifacts"`
	TokenUsage TokenUsage          `json:"token_usage"`
	Error      string              `json:"error,omitempty"`
}

// Generator produces artifacts for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Layer is one named set of role-to-generator bindings.
type Layer struct {
	Name       string
	Generators map[string]Generator
}

// Registry resolves roles to generators through ordered layers, consulted
// front to back. Custom bindings shadow built-ins without patching them.
type Registry struct {
	layers []Layer
}

// NewRegistry creates a registry with the given layers, highest priority
// first.
func NewRegistry(layers ...Layer) *Registry {
	return &Registry{layers: layers}
}

// Resolve returns the first generator bound to the role.
func (r *Registry) Resolve(role string) (Generator, error) {
	for _, layer := range r.layers {
		if g, ok := layer.Generators[role]; ok {
			return g, nil
		}
	}
	return nil, fmt.Errorf("no generator bound for role %q", role)
}
