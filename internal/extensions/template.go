package extensions

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// placeholderRe matches ${name}.
var placeholderRe = regexp.MustCompile(`\$\{([^}]*)\}`)

const (
	dirnameVar       = "__dirname"
	userConfigPrefix = "user_config."
)

// Env is what placeholders resolve against.
type Env struct {
	// Dirname replaces ${__dirname}, the extension's install directory.
	Dirname string

	// Builtins are other named values such as ${HOME}.
	Builtins map[string]string

	// UserConfig holds ${user_config.KEY} values as JSON documents.
	UserConfig map[string]json.RawMessage
}

// DefaultBuiltins returns the host-path placeholders for the current user.
func DefaultBuiltins() map[string]string {
	sep := string(filepath.Separator)
	b := map[string]string{
		"/":             sep,
		"pathSeparator": sep,
	}
	if home, err := os.UserHomeDir(); err == nil {
		b["HOME"] = home
		b["DESKTOP"] = filepath.Join(home, "Desktop")
		b["DOCUMENTS"] = filepath.Join(home, "Documents")
		b["DOWNLOADS"] = filepath.Join(home, "Downloads")
	}
	return b
}

// lookup resolves one placeholder name. known is false for names this
// package does not own, which are left in the text untouched. bound is
// false for a user_config key with no value.
func (e Env) lookup(name string) (values []string, bound, known bool) {
	if name == dirnameVar {
		return []string{e.Dirname}, true, true
	}
	if key, ok := strings.CutPrefix(name, userConfigPrefix); ok {
		raw, ok := e.UserConfig[key]
		if !ok {
			return nil, false, true
		}
		values, bound = decodeValue(raw)
		return values, bound, true
	}
	if v, ok := e.Builtins[name]; ok {
		return []string{v}, true, true
	}
	return nil, false, false
}

// decodeValue maps a JSON value to its expansions. A string is itself,
// an array is its string elements in order, and anything else is its
// JSON text. Null and an array without string elements are unbound.
func decodeValue(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		return []string{s}, true
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '"' {
				continue
			}
			var s string
			if err := json.Unmarshal(item, &s); err == nil {
				out = append(out, s)
			}
		}
		return out, len(out) > 0
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, false
		}
		return []string{buf.String()}, true
	}
}

// ExpandArg expands one templated argument. An array value fans the
// argument out into one argument per element, so an argument holding
// two array placeholders yields every combination in order. If any
// user_config placeholder is unbound the argument is dropped: the
// result is nil and unbound lists the missing keys.
func ExpandArg(arg string, env Env) (args []string, unbound []string) {
	locs := placeholderRe.FindAllStringSubmatchIndex(arg, -1)
	if len(locs) == 0 {
		return []string{arg}, nil
	}

	results := []string{""}
	last := 0
	for _, loc := range locs {
		literal := arg[last:loc[0]]
		name := arg[loc[2]:loc[3]]
		last = loc[1]

		values, bound, known := env.lookup(name)
		switch {
		case !known:
			values = []string{arg[loc[0]:loc[1]]}
		case !bound:
			unbound = append(unbound, strings.TrimPrefix(name, userConfigPrefix))
			continue
		}

		next := make([]string, 0, len(results)*len(values))
		for _, prefix := range results {
			for _, v := range values {
				next = append(next, prefix+literal+v)
			}
		}
		results = next
	}
	if len(unbound) > 0 {
		return nil, unbound
	}

	tail := arg[last:]
	for i := range results {
		results[i] += tail
	}
	return results, nil
}

// ExpandString expands placeholders in place for values that must stay
// a single string, such as the command and environment values. Array
// values are joined with commas and unbound placeholders become empty.
func ExpandString(s string, env Env) (string, []string) {
	var unbound []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		values, bound, known := env.lookup(name)
		switch {
		case !known:
			return m
		case !bound:
			unbound = append(unbound, strings.TrimPrefix(name, userConfigPrefix))
			return ""
		}
		return strings.Join(values, ",")
	})
	return out, unbound
}
