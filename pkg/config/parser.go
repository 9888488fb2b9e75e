package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// Variable references use "@var(name)" in attribute values and are
// substituted at parse time from the effective variable set.
var varPattern = regexp.MustCompile(`@var\(([A-Za-z0-9_]+)\)`)

// Parser parses and validates CUE declaration sources.
type Parser struct {
	ctx       *cue.Context
	validator *validator.Validate
	starlark  *StarlarkEvaluator
}

// NewParser creates a new parser.
func NewParser() *Parser {
	return &Parser{
		ctx:       cuecontext.New(),
		validator: validator.New(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
	}
}

// Parse loads the given CUE files and directories, unifies them, and
// extracts the workspace, variables, resources, and modules. The overrides
// map, typically built from --var and --var-file flags, takes precedence
// over workspace variables. Validation failures are collected into the
// returned config's Errors rather than aborting at the first problem.
func (p *Parser) Parse(ctx context.Context, sources []string, overrides map[string]any) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var files []string
		var errs []ValidationError
		if info.IsDir() {
			val, files, errs = p.loadDirectory(source)
		} else {
			val, errs = p.loadFile(source)
			files = []string{source}
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
		sourceFiles = append(sourceFiles, files...)
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}

	return p.extract(ctx, cueValue, sourceFiles, overrides)
}

// ParseInline parses inline CUE content. Used by tests and the policy
// tooling.
func (p *Parser) ParseInline(ctx context.Context, content string, overrides map[string]any) (*ParsedConfig, error) {
	val := p.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}
	return p.extract(ctx, val, []string{"inline"}, overrides)
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:    dir,
			Message: "no CUE files found",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, p.convertCUEErrors(err)
	}
	return val, nil
}

// extract pulls the workspace, variables, resources, and modules out of the
// unified CUE value and applies variable substitution and computed
// attribute evaluation.
func (p *Parser) extract(ctx context.Context, val cue.Value, sourceFiles []string, overrides map[string]any) (*ParsedConfig, error) {
	pc := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	wsVal := val.LookupPath(cue.ParsePath("workspace"))
	if wsVal.Exists() {
		if err := wsVal.Decode(&pc.Workspace); err != nil {
			pc.Errors = append(pc.Errors, ValidationError{
				Path:    "workspace",
				Message: fmt.Sprintf("failed to decode workspace: %v", err),
			})
			return pc, nil
		}
	}

	pc.Variables = mergeVariables(pc.Workspace.Variables, overrides)

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		pc.Resources = p.extractResources(resourcesVal, pc)
	}

	modulesVal := val.LookupPath(cue.ParsePath("modules"))
	if modulesVal.Exists() {
		pc.Modules = p.extractModules(modulesVal, pc)
	}

	if pc.HasErrors() {
		return pc, nil
	}

	// Variable substitution, then computed attributes, across top-level
	// and module-scoped declarations.
	for i := range pc.Resources {
		if err := p.finalizeResource(ctx, &pc.Resources[i], pc.Variables, pc); err != nil {
			return pc, nil
		}
	}
	for i := range pc.Modules {
		for j := range pc.Modules[i].Resources {
			if err := p.finalizeResource(ctx, &pc.Modules[i].Resources[j], pc.Variables, pc); err != nil {
				return pc, nil
			}
		}
		pc.Modules[i].Inputs = substituteVarsMap(pc.Modules[i].Inputs, pc.Variables, pc)
	}

	return pc, nil
}

// extractResources handles the "resources" field as either a struct keyed by
// id or a list.
func (p *Parser) extractResources(val cue.Value, pc *ParsedConfig) []ResourceDecl {
	var out []ResourceDecl
	switch val.Kind() {
	case cue.StructKind:
		iter, err := val.Fields(cue.All())
		if err != nil {
			pc.Errors = append(pc.Errors, ValidationError{
				Path:    "resources",
				Message: fmt.Sprintf("failed to iterate resources: %v", err),
			})
			return nil
		}
		for iter.Next() {
			decl, err := p.extractResource(selectorName(iter.Selector().String()), iter.Value())
			if err != nil {
				pc.Errors = append(pc.Errors, ValidationError{
					Path:    fmt.Sprintf("resources.%s", iter.Selector()),
					Message: err.Error(),
				})
				continue
			}
			out = append(out, decl)
		}
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			pc.Errors = append(pc.Errors, ValidationError{
				Path:    "resources",
				Message: fmt.Sprintf("failed to list resources: %v", err),
			})
			return nil
		}
		idx := 0
		for list.Next() {
			decl, err := p.extractResource("", list.Value())
			if err != nil {
				pc.Errors = append(pc.Errors, ValidationError{
					Path:    fmt.Sprintf("resources[%d]", idx),
					Message: err.Error(),
				})
			} else {
				out = append(out, decl)
			}
			idx++
		}
	default:
		pc.Errors = append(pc.Errors, ValidationError{
			Path:    "resources",
			Message: "resources must be a struct or a list",
		})
	}
	return out
}

// extractResource decodes and validates one resource declaration.
func (p *Parser) extractResource(id string, val cue.Value) (ResourceDecl, error) {
	var decl ResourceDecl
	if err := val.Decode(&decl); err != nil {
		return decl, fmt.Errorf("failed to decode resource: %w", err)
	}
	if decl.ID == "" && id != "" {
		decl.ID = id
	}
	if err := p.validator.Struct(decl); err != nil {
		return decl, fmt.Errorf("validation failed: %w", err)
	}
	return decl, nil
}

// extractModules handles the "modules" field as either a struct keyed by
// name or a list.
func (p *Parser) extractModules(val cue.Value, pc *ParsedConfig) []ModuleDecl {
	var out []ModuleDecl
	switch val.Kind() {
	case cue.StructKind:
		iter, err := val.Fields(cue.All())
		if err != nil {
			pc.Errors = append(pc.Errors, ValidationError{
				Path:    "modules",
				Message: fmt.Sprintf("failed to iterate modules: %v", err),
			})
			return nil
		}
		for iter.Next() {
			var mod ModuleDecl
			if err := iter.Value().Decode(&mod); err != nil {
				pc.Errors = append(pc.Errors, ValidationError{
					Path:    fmt.Sprintf("modules.%s", iter.Selector()),
					Message: fmt.Sprintf("failed to decode module: %v", err),
				})
				continue
			}
			if mod.Name == "" {
				mod.Name = selectorName(iter.Selector().String())
			}
			if err := p.validator.Struct(mod); err != nil {
				pc.Errors = append(pc.Errors, ValidationError{
					Path:    fmt.Sprintf("modules.%s", iter.Selector()),
					Message: fmt.Sprintf("validation failed: %v", err),
				})
				continue
			}
			out = append(out, mod)
		}
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			pc.Errors = append(pc.Errors, ValidationError{
				Path:    "modules",
				Message: fmt.Sprintf("failed to list modules: %v", err),
			})
			return nil
		}
		idx := 0
		for list.Next() {
			var mod ModuleDecl
			if err := list.Value().Decode(&mod); err != nil {
				pc.Errors = append(pc.Errors, ValidationError{
					Path:    fmt.Sprintf("modules[%d]", idx),
					Message: fmt.Sprintf("failed to decode module: %v", err),
				})
			} else if err := p.validator.Struct(mod); err != nil {
				pc.Errors = append(pc.Errors, ValidationError{
					Path:    fmt.Sprintf("modules[%d]", idx),
					Message: fmt.Sprintf("validation failed: %v", err),
				})
			} else {
				out = append(out, mod)
			}
			idx++
		}
	default:
		pc.Errors = append(pc.Errors, ValidationError{
			Path:    "modules",
			Message: "modules must be a struct or a list",
		})
	}
	return out
}

// finalizeResource substitutes variables into a declaration's attributes and
// evaluates its computed expressions.
func (p *Parser) finalizeResource(ctx context.Context, decl *ResourceDecl, vars map[string]any, pc *ParsedConfig) error {
	decl.Attrs = substituteVarsMap(decl.Attrs, vars, pc)
	if pc.HasErrors() {
		return fmt.Errorf("variable substitution failed")
	}

	for key, expr := range decl.Computed {
		value, err := p.starlark.EvaluateExpression(ctx, expr, vars)
		if err != nil {
			pc.Errors = append(pc.Errors, ValidationError{
				Path:    fmt.Sprintf("resources.%s.computed.%s", decl.ID, key),
				Message: err.Error(),
			})
			return err
		}
		if decl.Attrs == nil {
			decl.Attrs = make(map[string]any)
		}
		decl.Attrs[key] = value
	}
	return nil
}

// convertCUEErrors converts CUE errors into positioned validation errors.
func (p *Parser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: errors.Details(e, nil),
		})
	}
	return out
}

// mergeVariables layers overrides on top of workspace variables.
func mergeVariables(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// substituteVarsMap replaces "@var(name)" references throughout an attribute
// map. Unknown variables are collected as validation errors.
func substituteVarsMap(attrs map[string]any, vars map[string]any, pc *ParsedConfig) map[string]any {
	out, _ := substituteVars(attrs, vars, pc).(map[string]any)
	return out
}

func substituteVars(v any, vars map[string]any, pc *ParsedConfig) any {
	switch tv := v.(type) {
	case string:
		matches := varPattern.FindAllStringSubmatchIndex(tv, -1)
		if len(matches) == 0 {
			return tv
		}
		if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(tv) {
			name := tv[matches[0][2]:matches[0][3]]
			val, ok := vars[name]
			if !ok {
				pc.Errors = append(pc.Errors, ValidationError{
					Message: fmt.Sprintf("undefined variable %q", name),
				})
				return tv
			}
			return val
		}
		var b strings.Builder
		last := 0
		for _, m := range matches {
			name := tv[m[2]:m[3]]
			val, ok := vars[name]
			if !ok {
				pc.Errors = append(pc.Errors, ValidationError{
					Message: fmt.Sprintf("undefined variable %q", name),
				})
				return tv
			}
			b.WriteString(tv[last:m[0]])
			fmt.Fprintf(&b, "%v", val)
			last = m[1]
		}
		b.WriteString(tv[last:])
		return b.String()
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = substituteVars(e, vars, pc)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = substituteVars(e, vars, pc)
		}
		return out
	default:
		return v
	}
}

// selectorName strips CUE selector quoting from a field name.
func selectorName(s string) string {
	return strings.Trim(s, `"`)
}
