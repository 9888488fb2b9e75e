package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ResourceState is a provider's view of one real resource after an
// operation: the attributes as applied plus any computed outputs.
type ResourceState struct {
	// Attrs are the attribute values as applied.
	Attrs map[string]any `json:"attrs,omitempty"`

	// Outputs are computed values other nodes may reference.
	Outputs map[string]any `json:"outputs,omitempty"`
}

// CreateRequest asks a provider to bring a resource into existence.
type CreateRequest struct {
	// NodeID is the node identity, for logging and error context.
	NodeID string

	// Type is the resource type.
	Type string

	// Attrs are the fully resolved desired attributes.
	Attrs map[string]any
}

// UpdateRequest asks a provider to mutate an existing resource in place.
type UpdateRequest struct {
	NodeID string
	Type   string

	// Attrs are the fully resolved desired attributes.
	Attrs map[string]any

	// Prior is the snapshot record being updated.
	Prior *NodeRecord
}

// DestroyRequest asks a provider to remove a resource.
type DestroyRequest struct {
	NodeID string
	Type   string

	// Prior is the snapshot record being destroyed.
	Prior *NodeRecord
}

// ReadRequest asks a provider to observe the real resource for drift
// detection.
type ReadRequest struct {
	NodeID string
	Type   string

	// Prior is the snapshot record to compare against.
	Prior *NodeRecord
}

// ValidateRequest asks a provider to check declared attributes against its
// schema before planning.
type ValidateRequest struct {
	NodeID string
	Type   string
	Attrs  map[string]any
}

// ResourceTypeSchema describes one resource type a provider manages.
type ResourceTypeSchema struct {
	// Required lists attribute keys that must be declared.
	Required []string `json:"required,omitempty"`

	// Optional lists attribute keys that may be declared.
	Optional []string `json:"optional,omitempty"`

	// Outputs lists the output keys the provider reports.
	Outputs []string `json:"outputs,omitempty"`
}

// ProviderSchema describes the resource types a provider manages.
type ProviderSchema struct {
	// Types maps a resource type name to its schema.
	Types map[string]ResourceTypeSchema `json:"types"`
}

// Provider manages the real resources behind graph nodes. Implementations
// live in process and must be safe for concurrent use; the executor invokes
// them from multiple workers.
type Provider interface {
	// Name returns the provider name, which is also the resource type
	// prefix it serves (the segment before the first dot).
	Name() string

	// Schema describes the resource types this provider manages.
	Schema() ProviderSchema

	// Validate checks declared attributes before planning.
	Validate(ctx context.Context, req ValidateRequest) error

	// Create brings a resource into existence.
	Create(ctx context.Context, req CreateRequest) (*ResourceState, error)

	// Update mutates an existing resource in place.
	Update(ctx context.Context, req UpdateRequest) (*ResourceState, error)

	// Destroy removes a resource.
	Destroy(ctx context.Context, req DestroyRequest) error

	// Read observes the real resource. A nil state with nil error means
	// the resource no longer exists.
	Read(ctx context.Context, req ReadRequest) (*ResourceState, error)
}

// Registry maps resource type prefixes to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name. Registering the same name twice
// is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return NewValidationError("provider has an empty name", nil)
	}
	if _, exists := r.providers[name]; exists {
		return NewValidationError(fmt.Sprintf("provider %q already registered", name), nil)
	}
	r.providers[name] = p
	return nil
}

// Lookup returns the provider serving a resource type. The provider name is
// the type's prefix before the first dot.
func (r *Registry) Lookup(resourceType string) (Provider, error) {
	prefix := resourceType
	if idx := strings.Index(resourceType, "."); idx > 0 {
		prefix = resourceType[:idx]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[prefix]
	if !ok {
		return nil, NewValidationError(
			fmt.Sprintf("no provider registered for resource type %q", resourceType), nil).
			WithCode(ErrCodeUnknownType)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateGraph checks every graph node against its provider: the resource
// type must be registered and known to the provider's schema, and the
// provider's own Validate must accept the declared attributes. Returns the
// first error encountered in declaration order.
func (r *Registry) ValidateGraph(ctx context.Context, g *Graph) error {
	for _, id := range g.NodeIDs() {
		node := g.Node(id)
		p, err := r.Lookup(node.Type)
		if err != nil {
			var e *EngineError
			if errors.As(err, &e) {
				return e.WithNode(id)
			}
			return err
		}
		schema := p.Schema()
		if _, ok := schema.Types[node.Type]; !ok {
			return NewValidationError(fmt.Sprintf(
				"provider %q does not manage resource type %q", p.Name(), node.Type), nil).
				WithCode(ErrCodeUnknownType).WithNode(id)
		}
		if err := p.Validate(ctx, ValidateRequest{NodeID: id, Type: node.Type, Attrs: node.Attrs}); err != nil {
			return NewValidationError("provider validation failed", err).WithNode(id)
		}
	}
	return nil
}
