package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Style selects the placeholder syntax.
type Style int

const (
	// StyleMustache matches {{name}}. Used for endpoint URL templates.
	StyleMustache Style = iota

	// StyleEnv matches ${name}. Used for environment references in
	// configuration files.
	StyleEnv
)

var patterns = map[Style]*regexp.Regexp{
	StyleMustache: regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`),
	StyleEnv:      regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`),
}

// Lookup resolves a placeholder name.
type Lookup func(name string) (string, bool)

// Vars adapts a map to Lookup.
func Vars(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// Expander expands placeholders of one style.
// Expander is safe for concurrent use after construction.
type Expander struct {
	pattern       *regexp.Regexp
	missingAction MissingAction
}

// NewExpander creates an Expander for style.
//
// Default configuration:
//   - MissingAction: MissingKeep (keep placeholders as-is)
//
// Example:
//
//	exp := template.NewExpander(template.StyleMustache,
//	    template.WithMissingAction(template.MissingError))
func NewExpander(style Style, opts ...Option) *Expander {
	pattern, ok := patterns[style]
	if !ok {
		pattern = patterns[StyleMustache]
	}
	e := &Expander{pattern: pattern, missingAction: MissingKeep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Names returns the placeholder names in s, in order of first
// appearance, without duplicates.
func (e *Expander) Names(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range e.pattern.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Expand replaces placeholders in s with values from lookup.
//
// Errors are only returned when MissingAction is MissingError and a
// name does not resolve.
//
// Example:
//
//	exp := template.NewExpander(template.StyleMustache)
//	url, _ := exp.Expand("https://svc/{{account}}", template.Vars(map[string]string{"account": "acme"}))
//	// url: "https://svc/acme"
func (e *Expander) Expand(s string, lookup Lookup) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	result := e.pattern.ReplaceAllStringFunc(s, func(match string) string {
		name := e.pattern.FindStringSubmatch(match)[1]
		if lookup != nil {
			if val, ok := lookup(name); ok {
				return val
			}
		}
		switch e.missingAction {
		case MissingEmpty:
			return ""
		case MissingError:
			missing = append(missing, name)
			return match
		default: // MissingKeep
			return match
		}
	})

	if len(missing) > 0 {
		return result, &UndefinedVariableError{Names: missing}
	}
	return result, nil
}

// ExpandMap expands placeholders in all string values of m, descending
// into nested maps and slices. Returns a new map; m is not modified.
func (e *Expander) ExpandMap(m map[string]any, lookup Lookup) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		expanded, err := e.expandValue(v, lookup)
		if err != nil {
			return nil, err
		}
		result[k] = expanded
	}
	return result, nil
}

func (e *Expander) expandValue(v any, lookup Lookup) (any, error) {
	switch val := v.(type) {
	case string:
		return e.Expand(val, lookup)
	case map[string]any:
		return e.ExpandMap(val, lookup)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := e.expandValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

// UndefinedVariableError is returned when MissingError is set and
// one or more names are not found.
type UndefinedVariableError struct {
	// Names is the list of undefined names.
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}
