// Package extensions turns installed extension packages into MCP server
// launch specs. Installation is someone else's job: this package only
// reads what is already unpacked on disk, applies each extension's
// stored user settings to its command template, and reports the
// servers that are enabled and fully configured.
package extensions

import "encoding/json"

// Manifest is an extension's manifest.json.
type Manifest struct {
	Name        string                     `json:"name"`
	DisplayName string                     `json:"display_name,omitempty"`
	Version     string                     `json:"version"`
	Description string                     `json:"description,omitempty"`
	Author      *Author                    `json:"author,omitempty"`
	Server      *ServerEntry               `json:"server,omitempty"`
	UserConfig  map[string]UserConfigField `json:"user_config,omitempty"`
}

// Title returns the display name, falling back to the package name.
func (m *Manifest) Title() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

// Author identifies who published an extension.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ServerEntry is the manifest's server section.
type ServerEntry struct {
	Type       string     `json:"type"`
	EntryPoint string     `json:"entry_point"`
	MCPConfig  *MCPConfig `json:"mcp_config,omitempty"`
}

// MCPConfig is the templated launch command. Strings may contain
// ${...} placeholders.
type MCPConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// UserConfigField declares one user-settable value.
type UserConfigField struct {
	Type        string          `json:"type"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Multiple    bool            `json:"multiple,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
}

// Settings is the per-extension settings file.
type Settings struct {
	// IsEnabled is nil when the file does not say, which means enabled.
	IsEnabled  *bool                      `json:"isEnabled,omitempty"`
	UserConfig map[string]json.RawMessage `json:"user_config,omitempty"`
}

// Enabled reports whether the extension should run.
func (s Settings) Enabled() bool {
	return s.IsEnabled == nil || *s.IsEnabled
}

// Extension is one installed extension as found on disk.
type Extension struct {
	ID       string
	Path     string
	Manifest Manifest
	Settings Settings
}

// Server is a resolved launch spec contributed by an extension.
type Server struct {
	ExtensionID string            `json:"extension_id"`
	Title       string            `json:"title"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
}

// ServerPrefix is prepended to extension ids to form server names.
const ServerPrefix = "ext_"

// Name is the server name the extension runs under, kept apart from
// statically configured names by its prefix.
func (s Server) Name() string {
	return ServerPrefix + s.ExtensionID
}
