package transform

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Params are the key=value arguments of one transform.
type Params map[string]string

// Int returns an integer parameter or def when absent.
func (p Params) Int(name string, def int) (int, error) {
	s, ok := p[name]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q is not an integer", name, s)
	}
	return v, nil
}

// Spec is a parsed transform invocation.
type Spec struct {
	Name   string
	Params Params
}

// String renders the spec in the form Parse accepts.
func (s Spec) String() string {
	if len(s.Params) == 0 {
		return s.Name
	}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + s.Params[k]
	}
	return s.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Parse reads "name" or "name(key=value, ...)". Values may be quoted.
func Parse(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if !validName(s) {
			return Spec{}, fmt.Errorf("invalid transform name %q", s)
		}
		return Spec{Name: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return Spec{}, fmt.Errorf("transform %q: missing closing parenthesis", s)
	}
	name := strings.TrimSpace(s[:open])
	if !validName(name) {
		return Spec{}, fmt.Errorf("invalid transform name %q", name)
	}

	spec := Spec{Name: name, Params: Params{}}
	body := strings.TrimSpace(s[open+1 : len(s)-1])
	if body == "" {
		return spec, nil
	}
	for _, arg := range strings.Split(body, ",") {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Spec{}, fmt.Errorf("transform %s: malformed parameter %q", name, strings.TrimSpace(arg))
		}
		value = strings.TrimSpace(value)
		if unq, err := strconv.Unquote(value); err == nil {
			value = unq
		}
		spec.Params[key] = value
	}
	return spec, nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
