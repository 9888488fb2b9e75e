// Package null implements a provider with no real backing resource. It is
// useful for wiring graph structure, testing plans end to end, and carrying
// computed values between nodes.
package null

import (
	"context"

	"github.com/google/uuid"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// TypeResource is the single resource type the null provider manages.
const TypeResource = "null.resource"

// Provider manages null.resource nodes. Create assigns a stable id output
// and echoes the declared attributes back as outputs so other nodes can
// reference them.
type Provider struct{}

// New creates a null provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "null"
}

// Schema describes the null.resource type. Every attribute is optional and
// echoed as an output.
func (p *Provider) Schema() engine.ProviderSchema {
	return engine.ProviderSchema{
		Types: map[string]engine.ResourceTypeSchema{
			TypeResource: {
				Outputs: []string{"id"},
			},
		},
	}
}

// Validate accepts any attributes.
func (p *Provider) Validate(ctx context.Context, req engine.ValidateRequest) error {
	return nil
}

// Create records the declared attributes and assigns a fresh id output.
func (p *Provider) Create(ctx context.Context, req engine.CreateRequest) (*engine.ResourceState, error) {
	return &engine.ResourceState{
		Attrs:   req.Attrs,
		Outputs: outputsFor(uuid.New().String(), req.Attrs),
	}, nil
}

// Update keeps the prior id and echoes the new attributes.
func (p *Provider) Update(ctx context.Context, req engine.UpdateRequest) (*engine.ResourceState, error) {
	id := uuid.New().String()
	if req.Prior != nil {
		if prior, ok := req.Prior.Outputs["id"].(string); ok && prior != "" {
			id = prior
		}
	}
	return &engine.ResourceState{
		Attrs:   req.Attrs,
		Outputs: outputsFor(id, req.Attrs),
	}, nil
}

// Destroy has nothing to remove.
func (p *Provider) Destroy(ctx context.Context, req engine.DestroyRequest) error {
	return nil
}

// Read reports the recorded state back unchanged. A null resource cannot
// drift because nothing real exists behind it.
func (p *Provider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ResourceState, error) {
	if req.Prior == nil {
		return nil, nil
	}
	return &engine.ResourceState{
		Attrs:   req.Prior.Attrs,
		Outputs: req.Prior.Outputs,
	}, nil
}

// outputsFor merges the id output with the echoed attributes. Attributes
// never shadow the id key.
func outputsFor(id string, attrs map[string]any) map[string]any {
	outputs := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		outputs[k] = v
	}
	outputs["id"] = id
	return outputs
}
