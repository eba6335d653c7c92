package profiles

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/register-map-v1.json
var registerMapSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("register-map-v1.json",
		strings.NewReader(registerMapSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("register-map-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateJSON checks a raw register map document.
func (v *Validator) ValidateJSON(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

func (v *Validator) ValidateRegisterMap(rm types.RegisterMap) error {
	data, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("failed to marshal register map: %w", err)
	}

	return v.ValidateJSON(data)
}
