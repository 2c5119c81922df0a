package capture

import "github.com/snaptrace/agent-go/pkg/redact"

// redactVariables classifies a converted Variable tree. A child whose
// name matches the field rules is replaced wholesale; string leaves are
// checked against the value rules. Returns the redacted tree and the
// number of replacements.
func redactVariables(f *redact.Filter, vars map[string]Variable) (map[string]Variable, int) {
	out := make(map[string]Variable, len(vars))
	total := 0
	for name, v := range vars {
		rv, n := redactVariable(f, name, v)
		out[name] = rv
		total += n
	}
	return out, total
}

func redactVariable(f *redact.Filter, name string, v Variable) (Variable, int) {
	if f.MatchesFieldName(name) {
		return Variable{Name: v.Name, Type: v.Type, Value: redact.Marker}, 1
	}
	if f.SensitiveValue(v.Value) {
		v.Value = redact.Marker
		v.Children = nil
		v.ArrayElements = nil
		return v, 1
	}

	count := 0
	if len(v.Children) > 0 {
		children := make(map[string]Variable, len(v.Children))
		for childName, child := range v.Children {
			rc, n := redactVariable(f, childName, child)
			children[childName] = rc
			count += n
		}
		v.Children = children
	}
	if len(v.ArrayElements) > 0 {
		elements := make([]Variable, len(v.ArrayElements))
		for i, elem := range v.ArrayElements {
			re, n := redactVariable(f, elem.Name, elem)
			elements[i] = re
			count += n
		}
		v.ArrayElements = elements
	}
	return v, count
}
