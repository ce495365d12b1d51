package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// ResultSchema describes the expected shape of one operation's decoded result.
type ResultSchema struct {
	operation string
	schema    *openapi3.Schema
}

// NewResultSchema binds an OpenAPI schema to an operation name
func NewResultSchema(operation string, schema *openapi3.Schema) *ResultSchema {
	return &ResultSchema{operation: operation, schema: schema}
}

// Operation returns the operation the schema belongs to
func (r *ResultSchema) Operation() string { return r.operation }

// Validate checks a decoded JSON value. It has no side effects.
func (r *ResultSchema) Validate(value interface{}) error {
	if r == nil || r.schema == nil {
		return nil
	}
	err := r.schema.VisitJSON(value)
	if err == nil {
		return nil
	}

	verr := &ValidationError{Operation: r.operation, Kind: ShapeViolation, Err: err}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		verr.Field = strings.Join(schemaErr.JSONPointer(), ".")
		switch schemaErr.SchemaField {
		case "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum":
			verr.Kind = RangeViolation
		}
		verr.Err = errors.New(schemaErr.Reason)
	}
	return verr
}

// decodePayload turns the concatenated text blocks into a generic JSON value
func decodePayload(operation, text string) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, &ProtocolError{Operation: operation, Payload: text, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return value, nil
}

func requiredObject(props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema().WithProperties(props)
	for name := range props {
		s.Required = append(s.Required, name)
	}
	sort.Strings(s.Required)
	return s
}

func countSchema() *openapi3.Schema {
	return openapi3.NewIntegerSchema().WithMin(0)
}

var (
	hintSchema = NewResultSchema(OperationGetBestHint, requiredObject(map[string]*openapi3.Schema{
		"hint_id": openapi3.NewIntegerSchema(),
		"hint":    openapi3.NewStringSchema(),
	}))

	successRateSchema = NewResultSchema(OperationGetSuccessRate, requiredObject(map[string]*openapi3.Schema{
		"counted_solutions":  countSchema(),
		"accepted_solutions": countSchema(),
		"rejected_solutions": countSchema(),
		"modified_solutions": countSchema(),
		"pending_solutions":  countSchema(),
		"unknown_solutions":  countSchema(),
	}))

	incidentIDSchema = NewResultSchema(OperationCreateIncident, openapi3.NewIntegerSchema().WithMin(0))

	solutionIDSchema = NewResultSchema(OperationCreateSolution, openapi3.NewIntegerSchema().WithMin(0))
)
