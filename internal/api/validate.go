package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://relief.local/schemas/"

var schemaFiles = map[storage.Collection]string{
	storage.Alerts:    "alert.json",
	storage.Reports:   "report.json",
	storage.Resources: "resource.json",
}

// validators holds a create and an update schema per collection. Update
// schemas are the create schemas without their top-level "required" list.
type validators struct {
	create map[storage.Collection]*jsonschema.Schema
	update map[storage.Collection]*jsonschema.Schema
}

func loadValidators() (*validators, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("reading schemas: %w", err)
	}
	for _, e := range entries {
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("adding schema %s: %w", e.Name(), err)
		}
	}

	v := &validators{
		create: make(map[storage.Collection]*jsonschema.Schema),
		update: make(map[storage.Collection]*jsonschema.Schema),
	}
	for col, file := range schemaFiles {
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, err
		}
		updateURL := schemaBase + strings.TrimSuffix(file, ".json") + ".update.json"
		partial, err := withoutRequired(data, updateURL)
		if err != nil {
			return nil, fmt.Errorf("deriving update schema for %s: %w", col, err)
		}
		if err := c.AddResource(updateURL, bytes.NewReader(partial)); err != nil {
			return nil, fmt.Errorf("adding update schema for %s: %w", col, err)
		}

		if v.create[col], err = c.Compile(schemaBase + file); err != nil {
			return nil, fmt.Errorf("compiling %s: %w", file, err)
		}
		if v.update[col], err = c.Compile(updateURL); err != nil {
			return nil, fmt.Errorf("compiling update schema for %s: %w", col, err)
		}
	}
	return v, nil
}

func withoutRequired(schema []byte, id string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return nil, err
	}
	delete(m, "required")
	m["$id"] = id
	return json.Marshal(m)
}

// validate returns nil or a field -> message map describing every violation.
func validate(s *jsonschema.Schema, body map[string]any) map[string]any {
	err := s.Validate(toInstance(body))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return map[string]any{"body": err.Error()}
	}
	details := make(map[string]any)
	collectCauses(ve, details)
	if len(details) == 0 {
		details["body"] = ve.Message
	}
	return details
}

func collectCauses(ve *jsonschema.ValidationError, details map[string]any) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectCauses(c, details)
		}
		return
	}
	if fields, ok := missingProperties(ve.Message); ok {
		prefix := fieldPath(ve.InstanceLocation)
		for _, f := range fields {
			if prefix != "" {
				f = prefix + "." + f
			}
			details[f] = "required"
		}
		return
	}
	field := fieldPath(ve.InstanceLocation)
	if field == "" {
		field = "body"
	}
	details[field] = ve.Message
}

// fieldPath turns a JSON pointer such as /location/lat into location.lat.
func fieldPath(ptr string) string {
	return strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
}

func missingProperties(msg string) ([]string, bool) {
	const prefix = "missing properties: "
	if !strings.HasPrefix(msg, prefix) {
		return nil, false
	}
	var out []string
	for _, p := range strings.Split(strings.TrimPrefix(msg, prefix), ",") {
		p = strings.Trim(strings.TrimSpace(p), `'"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, len(out) > 0
}

// toInstance round-trips body through JSON so numbers and nested values have
// the types the validator expects.
func toInstance(body map[string]any) any {
	data, err := json.Marshal(body)
	if err != nil {
		return body
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return body
	}
	return v
}
