package event

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/navraksha/relay/pkg/errmodel"
)

// Payload schemas, one per kind. Timestamps arrive as RFC 3339 strings;
// coordinates are WGS84 degrees.
var schemaSources = map[Kind][]byte{
	KindEmergency: []byte(`{
		"type": "object",
		"required": ["lat", "lng", "timestamp"],
		"properties": {
			"id":        {"type": "string"},
			"lat":       {"type": "number", "minimum": -90,  "maximum": 90},
			"lng":       {"type": "number", "minimum": -180, "maximum": 180},
			"accuracy":  {"type": "number", "minimum": 0},
			"automatic": {"type": "boolean"},
			"userRef":   {"type": "string"},
			"timestamp": {"type": "string"}
		}
	}`),
	KindLocation: []byte(`{
		"type": "object",
		"required": ["lat", "lng", "timestamp"],
		"properties": {
			"lat":       {"type": "number", "minimum": -90,  "maximum": 90},
			"lng":       {"type": "number", "minimum": -180, "maximum": 180},
			"accuracy":  {"type": "number", "minimum": 0},
			"timestamp": {"type": "string"}
		}
	}`),
	KindHazard: []byte(`{
		"type": "object",
		"required": ["type", "severity", "lat", "lng", "timestamp"],
		"properties": {
			"type":        {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"severity":    {"type": "string", "enum": ["low", "medium", "high"]},
			"lat":         {"type": "number", "minimum": -90,  "maximum": 90},
			"lng":         {"type": "number", "minimum": -180, "maximum": 180},
			"reporter":    {"type": "string"},
			"timestamp":   {"type": "string"}
		}
	}`),
}

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	compiled = make(map[Kind]*jsonschema.Schema, len(schemaSources))
	for kind, src := range schemaSources {
		c := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(src, &doc); err != nil {
			compileErr = fmt.Errorf("schema for %s: %w", kind, err)
			return
		}
		url := fmt.Sprintf("mem://%s.json", kind)
		if err := c.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("schema for %s: %w", kind, err)
			return
		}
		sch, err := c.Compile(url)
		if err != nil {
			compileErr = fmt.Errorf("schema for %s: %w", kind, err)
			return
		}
		compiled[kind] = sch
	}
}

func validatePayload(kind Kind, payload json.RawMessage) error {
	if !kind.Valid() {
		return errmodel.Validation("unknown_kind", string(kind), nil)
	}
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return errmodel.Validation("bad_json", err.Error(), nil)
	}
	if err := compiled[kind].Validate(v); err != nil {
		return errmodel.Validation("invalid_payload", err.Error(), map[string]any{"kind": string(kind)})
	}
	return nil
}
