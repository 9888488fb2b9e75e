// Package config loads Terrane declarations from CUE sources, merges
// variables from the workspace, variable files, and CLI flags, and evaluates
// Starlark computed attributes. Its output is the declaration set the engine
// builds its graph from.
package config

import (
	"time"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// LifecycleDecl mirrors the lifecycle block of a resource declaration.
type LifecycleDecl struct {
	// CreateBeforeDestroy orders replacement as create-then-destroy.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`

	// PreventDestroy protects the resource from destroy and replace.
	PreventDestroy bool `json:"prevent_destroy,omitempty"`

	// ImmutableKeys lists attribute keys that force a replace on change.
	ImmutableKeys []string `json:"immutable_keys,omitempty"`
}

// ResourceDecl is a resource declaration as written in CUE.
type ResourceDecl struct {
	// ID is the unique node identity.
	ID string `json:"id" validate:"required"`

	// Type is the resource type (e.g., "file.local", "null.resource").
	Type string `json:"type" validate:"required"`

	// Attrs are the declared attribute values.
	Attrs map[string]any `json:"attrs,omitempty"`

	// DependsOn lists explicit dependency node identities.
	DependsOn []string `json:"depends_on,omitempty"`

	// Lifecycle holds lifecycle settings.
	Lifecycle LifecycleDecl `json:"lifecycle,omitempty"`

	// Computed maps attribute keys to Starlark expressions evaluated at
	// parse time with the workspace variables in scope.
	Computed map[string]string `json:"computed,omitempty"`
}

// ModuleDecl is a module declaration: a named group of resources with an
// input/output boundary.
type ModuleDecl struct {
	// Name is the module instance name.
	Name string `json:"name" validate:"required"`

	// Inputs are values for "@input(name)" references in the body.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Outputs maps an exported output name to "<inner-resource>.<output>".
	Outputs map[string]string `json:"outputs,omitempty"`

	// Resources are the module's inner declarations.
	Resources []ResourceDecl `json:"resources,omitempty"`

	// DependsOn lists node identities every inlined resource depends on.
	DependsOn []string `json:"depends_on,omitempty"`
}

// PolicyDecl configures plan policy evaluation for the workspace.
type PolicyDecl struct {
	// Enabled turns policy evaluation on.
	Enabled bool `json:"enabled"`

	// Paths lists directories or files with .rego policies.
	Paths []string `json:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// WorkspaceDecl is the workspace block of a declaration set.
type WorkspaceDecl struct {
	// Name is the workspace name.
	Name string `json:"name"`

	// StatePath is the SQLite state database path.
	StatePath string `json:"state_path,omitempty"`

	// Variables are workspace-level variables, overridable by variable
	// files and CLI flags.
	Variables map[string]any `json:"variables,omitempty"`

	// Policy configures plan policy evaluation.
	Policy *PolicyDecl `json:"policy,omitempty"`
}

// ValidationError is a parse or validation failure with source position.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "resources.web.attrs").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// ParsedConfig is the fully parsed declaration set.
type ParsedConfig struct {
	// Workspace is the workspace configuration.
	Workspace WorkspaceDecl `json:"workspace"`

	// Resources are the top-level resource declarations in source order.
	Resources []ResourceDecl `json:"resources"`

	// Modules are the module declarations in source order.
	Modules []ModuleDecl `json:"modules,omitempty"`

	// Variables are the effective variables after merging.
	Variables map[string]any `json:"variables,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists validation errors. A non-empty list means the
	// declaration set must not be used.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors returns true when parsing produced validation errors.
func (pc *ParsedConfig) HasErrors() bool {
	return len(pc.Errors) > 0
}

// Declarations converts the parsed set into engine declarations, assigning
// declaration ordinals in source order.
func (pc *ParsedConfig) Declarations() ([]engine.Declaration, []engine.ModuleDeclaration) {
	decls := make([]engine.Declaration, len(pc.Resources))
	for i, r := range pc.Resources {
		decls[i] = engine.Declaration{
			ID:        r.ID,
			Type:      r.Type,
			Attrs:     r.Attrs,
			DependsOn: r.DependsOn,
			Lifecycle: engine.Lifecycle{
				CreateBeforeDestroy: r.Lifecycle.CreateBeforeDestroy,
				PreventDestroy:      r.Lifecycle.PreventDestroy,
				ImmutableKeys:       r.Lifecycle.ImmutableKeys,
			},
			Ordinal: i,
		}
	}

	modules := make([]engine.ModuleDeclaration, len(pc.Modules))
	for i, m := range pc.Modules {
		inner := make([]engine.Declaration, len(m.Resources))
		for j, r := range m.Resources {
			inner[j] = engine.Declaration{
				ID:        r.ID,
				Type:      r.Type,
				Attrs:     r.Attrs,
				DependsOn: r.DependsOn,
				Lifecycle: engine.Lifecycle{
					CreateBeforeDestroy: r.Lifecycle.CreateBeforeDestroy,
					PreventDestroy:      r.Lifecycle.PreventDestroy,
					ImmutableKeys:       r.Lifecycle.ImmutableKeys,
				},
			}
		}
		modules[i] = engine.ModuleDeclaration{
			Name:      m.Name,
			Inputs:    m.Inputs,
			Outputs:   m.Outputs,
			Resources: inner,
			DependsOn: m.DependsOn,
		}
	}
	return decls, modules
}
