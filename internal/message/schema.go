package message

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/anlsys/nrmd/pkg/nrmapi"
)

// field describes one property of a message type for schema generation:
// its JSON Schema type name and whether it is required.
type field struct {
	jsonType string
	required bool
}

// messageSpec is the field table for one (api, type) pair, mirroring the
// MSGFORMATS table in the original Python messaging layer.
type messageSpec map[string]field

var registry = map[nrmapi.API]map[string]messageSpec{
	nrmapi.APIUpRPCReq: {
		"list": {},
		"run": {
			"manifest":       {"string", true},
			"path":           {"string", true},
			"args":           {"array", true},
			"container_uuid": {"string", true},
			"environ":        {"object", true},
		},
		"kill":     {"container_uuid": {"string", true}},
		"setpower": {"limit": {"string", true}},
	},
	nrmapi.APIUpRPCRep: {
		"list":          {"payload": {"array", true}},
		"stdout":        {"container_uuid": {"string", true}, "payload": {"string", true}},
		"stderr":        {"container_uuid": {"string", true}, "payload": {"string", true}},
		"process_start": {"container_uuid": {"string", true}, "pid": {"integer", true}},
		"process_exit":  {"container_uuid": {"string", true}, "status": {"string", true}},
		"getpower":      {"limit": {"string", true}},
		"error":         {"errno": {"integer", true}, "message": {"string", true}},
	},
	nrmapi.APIUpPub: {
		"power":           {"total": {"number", true}, "limit": {"number", true}},
		"container_start": {"container_uuid": {"string", true}, "errno": {"integer", true}},
		"container_exit":  {"container_uuid": {"string", true}, "profile_data": {"object", true}},
		"performance":     {"container_uuid": {"string", true}, "payload": {"", true}},
		"progress":        {"application_uuid": {"string", true}, "payload": {"", true}},
		"control": {
			"powercap":      {"number", true},
			"power":         {"number", true},
			"performance":   {"number", true},
			"control_time":  {"number", true},
			"feedback_time": {"number", true},
		},
	},
	nrmapi.APIDownEvent: {
		"application_start": {"container_uuid": {"string", true}, "application_uuid": {"string", true}},
		"application_exit":  {"application_uuid": {"string", true}},
		"performance":       {"application_uuid": {"string", true}, "container_uuid": {"string", true}, "payload": {"", true}},
		"progress":          {"application_uuid": {"string", true}, "container_uuid": {"string", true}, "payload": {"", true}},
		"phase_context": {
			"cpu":              {"integer", true},
			"aggregation":      {"integer", true},
			"computetime":      {"number", true},
			"totaltime":        {"number", true},
			"application_uuid": {"string", true},
		},
	},
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemaKey(api nrmapi.API, typ string) string {
	return string(api) + "/" + typ
}

// resourceURL gives each generated schema a unique synthetic identifier; no
// network or filesystem resolution ever happens, these never leave the
// process.
func resourceURL(key string) string {
	return "mem://nrmd/" + strings.ReplaceAll(key, "/", "-") + ".json"
}

func buildSchemaDoc(spec messageSpec) map[string]any {
	props := map[string]any{
		"api":  map[string]any{"type": "string"},
		"type": map[string]any{"type": "string"},
	}
	var required []string
	for name, f := range spec {
		if f.jsonType != "" {
			props[name] = map[string]any{"type": f.jsonType}
		} else {
			props[name] = map[string]any{}
		}
		if f.required {
			required = append(required, name)
		}
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"required":             append([]string{"api", "type"}, required...),
		"additionalProperties": true,
	}
}

func compileAll() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema)
	for api, types := range registry {
		for typ, spec := range types {
			key := schemaKey(api, typ)
			url := resourceURL(key)
			c := jsonschema.NewCompiler()
			doc := buildSchemaDoc(spec)
			if err := c.AddResource(url, doc); err != nil {
				return nil, fmt.Errorf("add schema resource %s: %w", key, err)
			}
			sch, err := c.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("compile schema %s: %w", key, err)
			}
			out[key] = sch
		}
	}
	return out, nil
}

// schemaFor returns the compiled schema for (api, type), and whether that
// pair is known at all (an unknown pair is ErrorKind::UnknownMessageType,
// a known pair whose instance fails Validate is SchemaViolation).
func schemaFor(api nrmapi.API, typ string) (*jsonschema.Schema, bool, error) {
	compileOnce.Do(func() {
		compiled, compileErr = compileAll()
	})
	if compileErr != nil {
		return nil, false, compileErr
	}
	types, ok := registry[api]
	if !ok {
		return nil, false, nil
	}
	if _, ok := types[typ]; !ok {
		return nil, false, nil
	}
	return compiled[schemaKey(api, typ)], true, nil
}
