package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Template scope roots.
const (
	scopeTrigger = "trigger"
	scopeEvent   = "event"
	scopeSteps   = "steps"
	scopeRun     = "run"
)

// Render substitutes placeholders in value, walking maps and lists. A string
// that is exactly one placeholder takes the referenced value with its type;
// placeholders embedded in text are formatted. Missing paths fail with
// ErrTemplatePath.
func Render(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := Render(item, scope)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := Render(item, scope)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

// RenderParameters renders an action's parameter map.
func RenderParameters(parameters map[string]any, scope map[string]any) (map[string]any, error) {
	if len(parameters) == 0 {
		return map[string]any{}, nil
	}

	rendered, err := Render(parameters, scope)
	if err != nil {
		return nil, err
	}

	out, _ := rendered.(map[string]any)

	return out, nil
}

// RenderString renders a template into text.
func RenderString(template string, scope map[string]any) (string, error) {
	rendered, err := renderString(template, scope)
	if err != nil {
		return "", err
	}

	return formatValue(rendered), nil
}

func renderString(template string, scope map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		path := template[matches[0][2]:matches[0][3]]

		return resolve(path, scope)
	}

	var builder strings.Builder

	last := 0

	for _, match := range matches {
		builder.WriteString(template[last:match[0]])

		value, err := resolve(template[match[2]:match[3]], scope)
		if err != nil {
			return nil, err
		}

		builder.WriteString(formatValue(value))

		last = match[1]
	}

	builder.WriteString(template[last:])

	return builder.String(), nil
}

func resolve(path string, scope map[string]any) (any, error) {
	value, found := Lookup(scope, path)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTemplatePath, path)
	}

	return value, nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}

// checkTemplates rejects unknown scope roots and unbalanced braces.
func checkTemplates(value any) error {
	switch v := value.(type) {
	case string:
		stripped := placeholderPattern.ReplaceAllString(v, "")
		if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
			return fmt.Errorf("%w: %q", ErrTemplateSyntax, v)
		}

		for _, match := range placeholderPattern.FindAllStringSubmatch(v, -1) {
			root, _, _ := strings.Cut(match[1], ".")

			switch root {
			case scopeTrigger, scopeEvent, scopeSteps, scopeRun:
			default:
				return fmt.Errorf("%w: unknown root %q in %q", ErrTemplateSyntax, root, v)
			}
		}
	case map[string]any:
		for _, item := range v {
			if err := checkTemplates(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := checkTemplates(item); err != nil {
				return err
			}
		}
	}

	return nil
}

// stepReferences lists the step indexes value refers to.
func stepReferences(value any) []int {
	var refs []int

	switch v := value.(type) {
	case string:
		for _, match := range placeholderPattern.FindAllStringSubmatch(v, -1) {
			segments := strings.Split(match[1], ".")
			if len(segments) < 2 || segments[0] != scopeSteps {
				continue
			}

			if index, err := strconv.Atoi(segments[1]); err == nil {
				refs = append(refs, index)
			}
		}
	case map[string]any:
		for _, item := range v {
			refs = append(refs, stepReferences(item)...)
		}
	case []any:
		for _, item := range v {
			refs = append(refs, stepReferences(item)...)
		}
	}

	return refs
}
