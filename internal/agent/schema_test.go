package agent

import (
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  *ResultSchema
		payload string
		wantErr bool
		kind    ViolationKind
	}{
		{name: "hint", schema: hintSchema, payload: `{"hint_id": 1, "hint": "text"}`},
		{name: "hint with extra field", schema: hintSchema, payload: `{"hint_id": 1, "hint": "text", "score": 0.9}`},
		{name: "no hint sentinel", schema: hintSchema, payload: `{"hint_id": -1, "hint": ""}`},
		{name: "fractional hint id", schema: hintSchema, payload: `{"hint_id": 1.5, "hint": "text"}`, wantErr: true, kind: ShapeViolation},
		{name: "null hint", schema: hintSchema, payload: `{"hint_id": 1, "hint": null}`, wantErr: true, kind: ShapeViolation},
		{name: "incident id", schema: incidentIDSchema, payload: `12`},
		{name: "negative incident id", schema: incidentIDSchema, payload: `-3`, wantErr: true, kind: RangeViolation},
		{name: "string solution id", schema: solutionIDSchema, payload: `"12"`, wantErr: true, kind: ShapeViolation},
		{
			name:   "zero rates",
			schema: successRateSchema,
			payload: `{"counted_solutions": 0, "accepted_solutions": 0, "rejected_solutions": 0,
				"modified_solutions": 0, "pending_solutions": 0, "unknown_solutions": 0}`,
		},
		{
			name:    "missing rate",
			schema:  successRateSchema,
			payload: `{"counted_solutions": 0}`,
			wantErr: true,
			kind:    ShapeViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := decodePayload(tt.schema.Operation(), tt.payload)
			require.NoError(t, err)

			err = tt.schema.Validate(value)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.schema.Operation(), verr.Operation)
			assert.Equal(t, tt.kind, verr.Kind)
		})
	}
}

func TestResultSchemaValidateHasNoSideEffects(t *testing.T) {
	value, err := decodePayload(OperationGetBestHint, `{"hint_id": "x", "hint": "text"}`)
	require.NoError(t, err)

	first := hintSchema.Validate(value)
	second := hintSchema.Validate(value)
	require.Error(t, first)
	assert.Equal(t, first.Error(), second.Error())
	assert.Equal(t, map[string]interface{}{"hint_id": "x", "hint": "text"}, value)
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	var schema *ResultSchema
	assert.NoError(t, schema.Validate([]interface{}{1, "two"}))
	assert.NoError(t, NewResultSchema("free_form", nil).Validate(map[string]interface{}{}))
}

func TestCustomResultSchema(t *testing.T) {
	schema := NewResultSchema("list_ids", openapi3.NewArraySchema().WithItems(countSchema()))
	assert.Equal(t, "list_ids", schema.Operation())

	ok, err := decodePayload("list_ids", `[1, 2, 3]`)
	require.NoError(t, err)
	assert.NoError(t, schema.Validate(ok))

	bad, err := decodePayload("list_ids", `[1, -2]`)
	require.NoError(t, err)
	var verr *ValidationError
	require.ErrorAs(t, schema.Validate(bad), &verr)
	assert.Equal(t, RangeViolation, verr.Kind)
	assert.Equal(t, "1", verr.Field)
}

func TestDecodePayload(t *testing.T) {
	_, err := decodePayload(OperationGetBestHint, `{"hint_id":`)
	var protocolErr *ProtocolError
	require.ErrorAs(t, err, &protocolErr)
	assert.Equal(t, OperationGetBestHint, protocolErr.Operation)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestRequiredObjectIsSorted(t *testing.T) {
	s := requiredObject(map[string]*openapi3.Schema{
		"b": openapi3.NewStringSchema(),
		"a": openapi3.NewStringSchema(),
		"c": openapi3.NewStringSchema(),
	})
	assert.Equal(t, []string{"a", "b", "c"}, s.Required)
}
