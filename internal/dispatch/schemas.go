package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/contact-dispatch/internal/model"
)

// resultSchemas are the JSON schemas completed results must satisfy, per
// job type. Types without an entry accept any JSON value.
var resultSchemas = map[model.JobType]string{
	model.JobTypeContactEnrichment: `{
		"type": "object",
		"properties": {
			"fields": {
				"type": "object",
				"additionalProperties": {"type": ["string", "null"]}
			},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"sources": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	model.JobTypePersonaAnalysis: `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"traits": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	model.JobTypeInstagramHarvest: `{
		"type": "object",
		"required": ["posts"],
		"properties": {
			"profile": {"type": "object"},
			"posts": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {"id": {"type": "string"}}
				}
			}
		}
	}`,
}

// ResultValidator checks worker results against per-type schemas.
type ResultValidator struct {
	schemas map[model.JobType]*jsonschema.Schema
}

// NewResultValidator compiles the built-in result schemas.
func NewResultValidator() (*ResultValidator, error) {
	compiler := jsonschema.NewCompiler()
	v := &ResultValidator{schemas: make(map[model.JobType]*jsonschema.Schema, len(resultSchemas))}
	for jobType, src := range resultSchemas {
		url := string(jobType) + ".json"
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, eris.Wrapf(err, "dispatch: add %s result schema", jobType)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, eris.Wrapf(err, "dispatch: compile %s result schema", jobType)
		}
		v.schemas[jobType] = schema
	}
	return v, nil
}

// Validate returns an error describing why results do not fit the schema
// for jobType.
func (v *ResultValidator) Validate(jobType model.JobType, results json.RawMessage) error {
	schema, ok := v.schemas[jobType]
	if !ok || len(results) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(results, &doc); err != nil {
		return eris.Wrap(err, "decode results")
	}
	return schema.Validate(doc)
}
