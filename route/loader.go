package route

import (
	"bytes"
	_ "embed"
	stderrors "errors"
	"fmt"
	"os"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/edgegate/errors"
)

// File is the on-disk route document
type File struct {
	Version string       `yaml:"version"`
	Routes  []Definition `yaml:"routes"`
}

//go:embed schema.json
var documentSchema []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(documentSchema))
})

// Schema returns the JSON Schema route documents are checked against
func Schema() []byte { return bytes.Clone(documentSchema) }

// ParseYAML checks a route document against the schema, then decodes it.
// Unknown fields are rejected.
func ParseYAML(data []byte) ([]Definition, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"route", "ParseYAML", "decode routes")
	}
	return f.Routes, nil
}

// validateDocument reports every schema violation at once, one per field
func validateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"route", "validateDocument", "decode routes")
	}
	if doc == nil {
		// empty documents fail in the strict decode
		return nil
	}

	schema, err := compiledSchema()
	if err != nil {
		return errors.WrapFatal(err, "route", "validateDocument", "compile route schema")
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"route", "validateDocument", "check routes")
	}
	if result.Valid() {
		return nil
	}

	violations := make([]error, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Errorf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(stderrors.Join(violations...), "route", "validateDocument", "check routes")
}

// LoadFile reads a YAML route file
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "route", "LoadFile", "read "+path)
	}
	return ParseYAML(data)
}
