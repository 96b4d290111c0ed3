package council

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/job.schema.json
var manifestSchemaJSON []byte

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("job.schema.json", bytes.NewReader(manifestSchemaJSON)); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile("job.schema.json")
	})
	return manifestSchema, manifestSchemaErr
}

func validateManifest(b []byte) error {
	schema, err := compiledManifestSchema()
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse job.json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("job.json: %w", err)
	}
	return nil
}
