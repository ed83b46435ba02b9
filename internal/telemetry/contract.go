package telemetry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed ingest.schema.json
var ingestSchema string

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func contract() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.CompileString("ingest.schema.json", ingestSchema)
	})
	return compiled, compileErr
}

// Validate checks p against the ingestion contract before it leaves the
// process. A payload the endpoint would reject is a programming or
// configuration error, not a transient failure.
func Validate(p Payload) error {
	schema, err := contract()
	if err != nil {
		return fmt.Errorf("compile ingest schema: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("telemetry payload: %w", err)
	}
	return nil
}
