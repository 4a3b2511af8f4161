package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// maxQualifiedName is the longest qualified tool name the catalog
// produces. Model APIs commonly cap function names at 64 characters.
const maxQualifiedName = 64

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// QualifiedName generates a namespaced tool name from an MCP server
// name and tool name, "mcp_{server}_{tool}". Both components are
// sanitized to contain only lowercase alphanumeric characters and
// underscores, and the result is cut to 64 characters.
func QualifiedName(serverName, toolName string) string {
	name := fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(toolName))
	if len(name) > maxQualifiedName {
		name = strings.TrimRight(name[:maxQualifiedName], "_")
	}
	return name
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// CatalogEntry maps one qualified name back to the server and tool it
// stands for.
type CatalogEntry struct {
	Name   string `json:"name"`
	Server string `json:"server"`
	Tool   Tool   `json:"tool"`
}

// Catalog is a flat index of every tool across a set of servers, keyed
// by qualified name.
type Catalog struct {
	entries []CatalogEntry
	byName  map[string]int
}

// NewCatalog indexes the tools of each server. Servers are visited in
// name order and tools in listed order, so when two tools sanitize to
// the same name the first keeps it and later ones get a numeric suffix.
func NewCatalog(servers map[string][]Tool) *Catalog {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	c := &Catalog{byName: make(map[string]int)}
	for _, server := range names {
		for _, tool := range servers[server] {
			name := c.unique(QualifiedName(server, tool.Name))
			c.byName[name] = len(c.entries)
			c.entries = append(c.entries, CatalogEntry{
				Name:   name,
				Server: server,
				Tool:   tool,
			})
		}
	}
	return c
}

func (c *Catalog) unique(name string) string {
	if _, taken := c.byName[name]; !taken {
		return name
	}
	for n := 2; ; n++ {
		suffix := fmt.Sprintf("_%d", n)
		base := name
		if len(base)+len(suffix) > maxQualifiedName {
			base = base[:maxQualifiedName-len(suffix)]
		}
		if _, taken := c.byName[base+suffix]; !taken {
			return base + suffix
		}
	}
}

// Lookup resolves a qualified name.
func (c *Catalog) Lookup(name string) (CatalogEntry, bool) {
	i, ok := c.byName[name]
	if !ok {
		return CatalogEntry{}, false
	}
	return c.entries[i], true
}

// Entries returns every entry in catalog order.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of indexed tools.
func (c *Catalog) Len() int {
	return len(c.entries)
}
