package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// Lister supplies installed extensions. [Dir] is the on-disk implementation.
type Lister interface {
	List() ([]Extension, error)
}

// Resolver produces launch specs for enabled, fully configured
// extensions.
type Resolver struct {
	lister   Lister
	builtins map[string]string
	logger   *slog.Logger
}

// NewResolver creates a resolver over the given extensions. If builtins
// is nil, [DefaultBuiltins] is used.
func NewResolver(lister Lister, builtins map[string]string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if builtins == nil {
		builtins = DefaultBuiltins()
	}
	return &Resolver{lister: lister, builtins: builtins, logger: logger}
}

// Servers lists extensions and resolves each one. Extensions that are
// disabled, have no server entry, or lack a required value are left out.
func (r *Resolver) Servers(_ context.Context) ([]Server, error) {
	exts, err := r.lister.List()
	if err != nil {
		return nil, err
	}

	var out []Server
	for _, ext := range exts {
		srv, err := Resolve(ext, r.builtins)
		if err != nil {
			r.logger.Info("skipping extension server", "extension", ext.ID, "reason", err)
			continue
		}
		r.logger.Debug("resolved extension server",
			"extension", ext.ID,
			"server", srv.Name(),
			"command", srv.Command,
			"args", srv.Args,
		)
		out = append(out, srv)
	}
	return out, nil
}

// SkipError explains why an extension contributes no server.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return e.Reason }

// Resolve turns one extension into a launch spec. User values missing
// from settings fall back to the manifest default. An unbound optional
// value drops the argument that used it; an unbound required value
// excludes the extension.
func Resolve(ext Extension, builtins map[string]string) (Server, error) {
	if !ext.Settings.Enabled() {
		return Server{}, &SkipError{Reason: "disabled"}
	}
	entry := ext.Manifest.Server
	if entry == nil || entry.MCPConfig == nil {
		return Server{}, &SkipError{Reason: "no MCP server entry"}
	}
	tmpl := entry.MCPConfig
	if tmpl.Command == "" {
		return Server{}, &SkipError{Reason: "empty server command"}
	}

	env := Env{
		Dirname:    ext.Path,
		Builtins:   builtins,
		UserConfig: userValues(ext),
	}

	required := func(keys []string) error {
		for _, key := range keys {
			if field, ok := ext.Manifest.UserConfig[key]; ok && field.Required {
				return &SkipError{Reason: fmt.Sprintf("required user_config %q is not set", key)}
			}
		}
		return nil
	}

	command, unbound := ExpandString(tmpl.Command, env)
	if err := required(unbound); err != nil {
		return Server{}, err
	}
	if command == "" {
		return Server{}, &SkipError{Reason: "server command expands to nothing"}
	}

	args := make([]string, 0, len(tmpl.Args))
	for _, arg := range tmpl.Args {
		expanded, unbound := ExpandArg(arg, env)
		if err := required(unbound); err != nil {
			return Server{}, err
		}
		args = append(args, expanded...)
	}

	envVars := make(map[string]string, len(tmpl.Env))
	keys := make([]string, 0, len(tmpl.Env))
	for k := range tmpl.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, unbound := ExpandString(tmpl.Env[k], env)
		if err := required(unbound); err != nil {
			return Server{}, err
		}
		envVars[k] = v
	}

	return Server{
		ExtensionID: ext.ID,
		Title:       ext.Manifest.Title(),
		Command:     command,
		Args:        args,
		Env:         envVars,
	}, nil
}

// userValues merges stored settings over manifest defaults.
func userValues(ext Extension) map[string]json.RawMessage {
	values := make(map[string]json.RawMessage)
	for key, field := range ext.Manifest.UserConfig {
		if len(field.Default) > 0 {
			values[key] = field.Default
		}
	}
	for key, v := range ext.Settings.UserConfig {
		values[key] = v
	}
	return values
}
