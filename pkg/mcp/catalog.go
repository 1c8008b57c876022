// Package mcp is the JSON-RPC 2.0 tool surface. The seven tools are
// isomorphic to the REST routes: same coordinators, same receipt shapes,
// same error taxonomy behind a different wire mapping.
package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// Tool is one catalog entry: descriptor for tools/list plus the compiled
// input schema enforced on tools/call.
type Tool struct {
	Name        string
	Description string
	rawSchema   json.RawMessage
	schema      *jsonschema.Schema
}

// Descriptor is the tools/list wire shape.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Catalog holds the static tool set.
type Catalog struct {
	tools map[string]*Tool
	order []string
}

const (
	roomIDPattern     = `^r:[a-z0-9-]{1,50}$`
	messageIDPattern  = `^m:[A-Za-z0-9-]+$`
	documentIDPattern = `^d:[A-Za-z0-9-]+$`
)

// NewCatalog compiles the static tool set. maxMessageBytes bounds the
// messenger.send text schema.
func NewCatalog(maxMessageBytes int) (*Catalog, error) {
	defs := []struct {
		name, description, schema string
	}{
		{
			name:        "messenger.list_rooms",
			description: "List the rooms of the caller's tenant.",
			schema:      `{"type":"object","additionalProperties":false}`,
		},
		{
			name:        "messenger.send",
			description: "Send a message to a room; returns the stored message with its ledger receipt.",
			schema: fmt.Sprintf(`{
				"type":"object",
				"properties":{
					"room_id":{"type":"string","pattern":%q},
					"type":{"type":"string","enum":["text"]},
					"body":{"type":"object","properties":{"text":{"type":"string","maxLength":%d}},"required":["text"]},
					"reply_to":{"type":"string","pattern":%q},
					"client_request_id":{"type":"string","minLength":1,"maxLength":200}
				},
				"required":["room_id","body"],
				"additionalProperties":false
			}`, roomIDPattern, maxMessageBytes, messageIDPattern),
		},
		{
			name:        "messenger.history",
			description: "Page a room's recent messages, newest window first.",
			schema: fmt.Sprintf(`{
				"type":"object",
				"properties":{
					"room_id":{"type":"string","pattern":%q},
					"cursor":{"type":"integer","minimum":1},
					"limit":{"type":"integer","minimum":1,"maximum":200}
				},
				"required":["room_id"],
				"additionalProperties":false
			}`, roomIDPattern),
		},
		{
			name:        "office.document.create",
			description: "Create a document in the tenant's workspace.",
			schema: `{
				"type":"object",
				"properties":{
					"title":{"type":"string","minLength":1,"maxLength":500},
					"content":{"type":"string"}
				},
				"required":["title"],
				"additionalProperties":false
			}`,
		},
		{
			name:        "office.document.get",
			description: "Fetch one document by id.",
			schema: fmt.Sprintf(`{
				"type":"object",
				"properties":{"document_id":{"type":"string","pattern":%q}},
				"required":["document_id"],
				"additionalProperties":false
			}`, documentIDPattern),
		},
		{
			name:        "office.document.search",
			description: "Case-insensitive substring search over document titles and contents.",
			schema: `{
				"type":"object",
				"properties":{"query":{"type":"string","minLength":1}},
				"required":["query"],
				"additionalProperties":false
			}`,
		},
		{
			name:        "office.llm.complete",
			description: "Run the model gateway on a prompt; returns the completion with usage accounting.",
			schema: `{
				"type":"object",
				"properties":{"prompt":{"type":"string","minLength":1}},
				"required":["prompt"],
				"additionalProperties":false
			}`,
		},
	}

	c := &Catalog{tools: make(map[string]*Tool, len(defs))}
	for _, def := range defs {
		compiled, err := jsonschema.CompileString(def.name+".json", def.schema)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", def.name, err)
		}
		var compact json.RawMessage
		if err := json.Unmarshal([]byte(def.schema), &compact); err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", def.name, err)
		}
		c.tools[def.name] = &Tool{
			Name:        def.name,
			Description: def.description,
			rawSchema:   compact,
			schema:      compiled,
		}
		c.order = append(c.order, def.name)
	}
	return c, nil
}

// Descriptors lists the tools in registration order.
func (c *Catalog) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.rawSchema})
	}
	return out
}

// Lookup returns the tool by name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Validate checks arguments against the tool's input schema.
func (t *Tool) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(normalize(args)); err != nil {
		return uerr.Newf(uerr.ValidationError, "invalid arguments for %s: %v", t.Name, err)
	}
	return nil
}

// normalize converts args to the plain JSON value tree the validator
// expects (map[string]any / []any / float64 / string / bool / nil).
func normalize(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
