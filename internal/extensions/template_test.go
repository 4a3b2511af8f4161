package extensions

import (
	"encoding/json"
	"reflect"
	"testing"
)

func testEnv() Env {
	return Env{
		Dirname:  "/ext/files",
		Builtins: map[string]string{"HOME": "/home/ada", "/": "/"},
		UserConfig: map[string]json.RawMessage{
			"dirs":    json.RawMessage(`["/a","/b"]`),
			"mixed":   json.RawMessage(`["x", 3, "y", null]`),
			"empty":   json.RawMessage(`[]`),
			"token":   json.RawMessage(`"s3cret"`),
			"port":    json.RawMessage(`8080`),
			"verbose": json.RawMessage(`true`),
			"limits":  json.RawMessage(`{"max": 5}`),
			"nothing": json.RawMessage(`null`),
			"modes":   json.RawMessage(`["r","w"]`),
		},
	}
}

func TestExpandArg(t *testing.T) {
	tests := []struct {
		name        string
		arg         string
		want        []string
		wantUnbound []string
	}{
		{"no placeholder", "--stdio", []string{"--stdio"}, nil},
		{"dirname", "${__dirname}/server/index.js", []string{"/ext/files/server/index.js"}, nil},
		{"string value", "--token=${user_config.token}", []string{"--token=s3cret"}, nil},
		{"array fans out", "${user_config.dirs}", []string{"/a", "/b"}, nil},
		{"array keeps surrounding text", "--dir=${user_config.dirs}", []string{"--dir=/a", "--dir=/b"}, nil},
		{"array drops non-strings", "${user_config.mixed}", []string{"x", "y"}, nil},
		{"empty array is unbound", "--dir=${user_config.empty}", nil, []string{"empty"}},
		{"array without strings is unbound", "${user_config.numbers}", nil, []string{"numbers"}},
		{"number as text", "--port=${user_config.port}", []string{"--port=8080"}, nil},
		{"bool as text", "${user_config.verbose}", []string{"true"}, nil},
		{"object as text", "${user_config.limits}", []string{`{"max":5}`}, nil},
		{"builtin", "${HOME}${/}notes", []string{"/home/ada/notes"}, nil},
		{"unknown placeholder kept", "${SOMETHING_ELSE}", []string{"${SOMETHING_ELSE}"}, nil},
		{"unbound drops arg", "--key=${user_config.missing}", nil, []string{"missing"}},
		{"null is unbound", "${user_config.nothing}", nil, []string{"nothing"}},
		{
			"two arrays combine in order",
			"${user_config.dirs}:${user_config.modes}",
			[]string{"/a:r", "/a:w", "/b:r", "/b:w"},
			nil,
		},
		{
			"unbound among bound",
			"${user_config.token}-${user_config.missing}-${user_config.gone}",
			nil,
			[]string{"missing", "gone"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unbound := ExpandArg(tt.arg, testEnv())
			if tt.want == nil {
				if got != nil {
					t.Errorf("args = %q, want nil", got)
				}
			} else if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("args = %q, want %q", got, tt.want)
			}
			if !reflect.DeepEqual(unbound, tt.wantUnbound) {
				t.Errorf("unbound = %q, want %q", unbound, tt.wantUnbound)
			}
		})
	}
}

func TestExpandString(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		want        string
		wantUnbound []string
	}{
		{"plain", "node", "node", nil},
		{"dirname", "${__dirname}/bin/server", "/ext/files/bin/server", nil},
		{"array joined", "${user_config.dirs}", "/a,/b", nil},
		{"unbound empty", "Bearer ${user_config.missing}", "Bearer ", []string{"missing"}},
		{"number", "${user_config.port}", "8080", nil},
		{"empty array unbound", "${user_config.empty}", "", []string{"empty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unbound := ExpandString(tt.in, testEnv())
			if got != tt.want {
				t.Errorf("ExpandString(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if !reflect.DeepEqual(unbound, tt.wantUnbound) {
				t.Errorf("unbound = %q, want %q", unbound, tt.wantUnbound)
			}
		})
	}
}

func TestDefaultBuiltins(t *testing.T) {
	t.Setenv("HOME", "/home/test")
	b := DefaultBuiltins()
	if b["HOME"] != "/home/test" {
		t.Errorf("HOME = %q", b["HOME"])
	}
	if b["DOWNLOADS"] != "/home/test/Downloads" {
		t.Errorf("DOWNLOADS = %q", b["DOWNLOADS"])
	}
	if b["/"] == "" || b["/"] != b["pathSeparator"] {
		t.Errorf("separator builtins = %q, %q", b["/"], b["pathSeparator"])
	}
}
