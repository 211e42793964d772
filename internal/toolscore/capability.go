package toolscore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Parameter describes one capability parameter. Order matters for prompt
// rendering, so capabilities carry a slice rather than a map.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Capability is one action a tool server exposes. Capability definitions
// drive both parameter validation and prompt construction.
type Capability struct {
	ServerID       string      `json:"server_id"`
	Action         string      `json:"action"`
	Description    string      `json:"description"`
	Parameters     []Parameter `json:"parameters"`
	Examples       []string    `json:"examples,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
}

// ID returns the composite capability identifier.
func (c Capability) ID() string {
	return c.ServerID + "/" + c.Action
}

// RequiredParameters returns the names of required parameters in
// declaration order.
func (c Capability) RequiredParameters() []string {
	var names []string
	for _, p := range c.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// SoleRequiredParameter returns the single required parameter name when the
// capability declares exactly one, enabling free-text parameter mapping.
func (c Capability) SoleRequiredParameter() (string, bool) {
	required := c.RequiredParameters()
	if len(required) != 1 {
		return "", false
	}
	return required[0], true
}

// Schema renders the capability's parameters as a JSON Schema document for
// validation.
func (c Capability) Schema() map[string]any {
	props := make(map[string]any, len(c.Parameters))
	var required []string
	for _, p := range c.Parameters {
		prop := map[string]any{}
		if t := schemaType(p.Type); t != "" {
			prop["type"] = t
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func schemaType(t string) string {
	switch strings.ToLower(t) {
	case "string", "str", "text":
		return "string"
	case "int", "integer":
		return "integer"
	case "float", "number", "double":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "object", "dict", "map":
		return "object"
	case "array", "list":
		return "array"
	}
	return ""
}

// ExpectedFieldsMessage renders a human-readable description of the
// capability's parameters, surfaced to the model on validation failure.
func (c Capability) ExpectedFieldsMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s expects a JSON object with fields:", c.ServerID, c.Action)
	for _, p := range c.Parameters {
		b.WriteString(" ")
		b.WriteString(p.Name)
		if p.Type != "" {
			fmt.Fprintf(&b, " (%s", p.Type)
			if p.Required {
				b.WriteString(", required")
			}
			b.WriteString(")")
		} else if p.Required {
			b.WriteString(" (required)")
		}
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

// CatalogDigest hashes a capability list order-insensitively so health
// responses and snapshots can be compared cheaply.
func CatalogDigest(caps []Capability) string {
	ids := make([]string, 0, len(caps))
	for _, c := range caps {
		raw, _ := json.Marshal(c)
		ids = append(ids, string(raw))
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:8])
}
