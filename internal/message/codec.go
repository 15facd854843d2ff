package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/anlsys/nrmd/internal/nrmerr"
	"github.com/anlsys/nrmd/pkg/nrmapi"
)

// Decode validates a raw wire frame against the schema for its (api, type)
// tags and returns the envelope plus the raw bytes for a second, typed
// unmarshal by the caller. A frame that is not a JSON object, a missing
// api/type tag, or a required-field violation is ErrorKind::SchemaViolation;
// an api/type pair this layer has never heard of is UnknownMessageType.
func Decode(raw []byte) (nrmapi.Envelope, []byte, error) {
	var env nrmapi.Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return env, nil, nrmerr.New(nrmerr.SchemaViolation, "message.Decode", err)
	}
	m, ok := instance.(map[string]any)
	if !ok {
		return env, nil, nrmerr.New(nrmerr.SchemaViolation, "message.Decode", fmt.Errorf("frame is not a JSON object"))
	}
	apiVal, _ := m["api"].(string)
	typVal, _ := m["type"].(string)
	if apiVal == "" || typVal == "" {
		return env, nil, nrmerr.New(nrmerr.SchemaViolation, "message.Decode", fmt.Errorf("missing api/type tag"))
	}
	env = nrmapi.Envelope{Api: nrmapi.API(apiVal), Type: typVal}

	schema, known, err := schemaFor(env.Api, env.Type)
	if err != nil {
		return env, nil, fmt.Errorf("message.Decode: %w", err)
	}
	if !known {
		return env, nil, nrmerr.New(nrmerr.UnknownMessageType, "message.Decode", fmt.Errorf("%s/%s", apiVal, typVal))
	}
	if err := schema.Validate(instance); err != nil {
		return env, nil, nrmerr.New(nrmerr.SchemaViolation, "message.Decode", err)
	}
	return env, raw, nil
}

// Unmarshal decodes the raw frame body into dst after schema validation has
// already passed; a thin wrapper kept separate from Decode so callers can
// inspect the envelope before committing to a concrete Go type.
func Unmarshal(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return nrmerr.New(nrmerr.SchemaViolation, "message.Unmarshal", err)
	}
	return nil
}

// Encode marshals a typed message, injecting its envelope fields.
func Encode(msg nrmapi.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("message.Encode: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("message.Encode: %w", err)
	}
	env := msg.Envelope()
	fields["api"] = env.Api
	fields["type"] = env.Type
	return json.Marshal(fields)
}
