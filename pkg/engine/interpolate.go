package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Attribute values may embed "${node.output}" references. The node part can
// itself contain dots (module-scoped identities), so the final dot-separated
// segment is always the output key.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Reference is a parsed "${node.output}" occurrence.
type Reference struct {
	// Node is the referenced node identity.
	Node string

	// Output is the referenced output key.
	Output string
}

// parseReference splits a raw reference body into node identity and output
// key. Returns false when the body has no dot separator.
func parseReference(body string) (Reference, bool) {
	idx := strings.LastIndex(body, ".")
	if idx <= 0 || idx == len(body)-1 {
		return Reference{}, false
	}
	return Reference{Node: body[:idx], Output: body[idx+1:]}, true
}

// ScanReferences walks an attribute map, including nested maps and lists,
// and returns every reference found in string values. Order follows the
// first occurrence; duplicates are removed.
func ScanReferences(attrs map[string]any) []Reference {
	var refs []Reference
	seen := make(map[Reference]bool)
	walkStrings(attrs, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			ref, ok := parseReference(m[1])
			if !ok {
				continue
			}
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	})
	return refs
}

// walkStrings visits every string value reachable from v.
func walkStrings(v any, fn func(string)) {
	switch tv := v.(type) {
	case string:
		fn(tv)
	case map[string]any:
		for _, e := range tv {
			walkStrings(e, fn)
		}
	case []any:
		for _, e := range tv {
			walkStrings(e, fn)
		}
	}
}

// OutputLookup resolves a reference to a concrete value. The second return
// is false when the value is not available.
type OutputLookup func(ref Reference) (any, bool)

// ResolveAttrs returns a copy of attrs with every reference replaced by its
// resolved value. A string consisting of exactly one reference takes the
// referenced value's type; references embedded in longer strings are
// stringified in place. An unavailable reference aborts resolution.
func ResolveAttrs(attrs map[string]any, lookup OutputLookup) (map[string]any, error) {
	resolved, err := resolveValue(attrs, lookup)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

func resolveValue(v any, lookup OutputLookup) (any, error) {
	switch tv := v.(type) {
	case string:
		return resolveString(tv, lookup)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			r, err := resolveValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			r, err := resolveValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, lookup OutputLookup) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one reference keeps the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref, ok := parseReference(s[matches[0][2]:matches[0][3]])
		if !ok {
			return s, nil
		}
		val, ok := lookup(ref)
		if !ok {
			return nil, fmt.Errorf("output %q of node %q is not available", ref.Output, ref.Node)
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		ref, ok := parseReference(s[m[2]:m[3]])
		if !ok {
			continue
		}
		val, found := lookup(ref)
		if !found {
			return nil, fmt.Errorf("output %q of node %q is not available", ref.Output, ref.Node)
		}
		b.WriteString(s[last:m[0]])
		fmt.Fprintf(&b, "%v", val)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// HasReferences reports whether any string value in attrs embeds a reference.
func HasReferences(attrs map[string]any) bool {
	found := false
	walkStrings(attrs, func(s string) {
		if refPattern.MatchString(s) {
			found = true
		}
	})
	return found
}
