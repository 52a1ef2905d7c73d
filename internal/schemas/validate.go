// Package schemas provides JSON Schema validation for worker output manifests
// and policy rule constraints.
package schemas

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Name    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Name, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Name, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:\n")
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

// Fields returns the field errors carried by err, or nil when err is not a
// *ValidationError.
func Fields(err error) []FieldError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Errors
	}
	return nil
}

// Schema is a compiled JSON Schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses a schema document. name is only used in error messages.
func Compile(name string, content []byte) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(content))
	if err != nil {
		return nil, &SchemaLoadError{Name: name, Message: "invalid schema", Cause: err}
	}
	return &Schema{name: name, schema: s}, nil
}

// Name returns the name the schema was compiled under.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks a JSON document against the schema. A malformed document
// is reported as a root-level field error.
func (s *Schema) Validate(doc []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Field: "(root)", Message: fmt.Sprintf("malformed document: %v", err)}}}
	}
	return resultError(result)
}

func resultError(result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}

// SourceFunc returns the raw content of a named schema.
type SourceFunc func(name string) ([]byte, error)

// Cache compiles schemas on first use and keeps them for the life of the
// process.
type Cache struct {
	source SourceFunc

	mu       sync.RWMutex
	compiled map[string]*Schema
}

// NewCache returns a cache that reads schema content from source.
func NewCache(source SourceFunc) *Cache {
	return &Cache{source: source, compiled: make(map[string]*Schema)}
}

// Get returns the compiled schema for name.
func (c *Cache) Get(name string) (*Schema, error) {
	c.mu.RLock()
	s, ok := c.compiled[name]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	content, err := c.source(name)
	if err != nil {
		return nil, &SchemaLoadError{Name: name, Message: "schema not found", Cause: err}
	}
	s, err = Compile(name, content)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[name] = s
	c.mu.Unlock()
	return s, nil
}

// Validate validates doc against the named schema.
func (c *Cache) Validate(name string, doc []byte) error {
	s, err := c.Get(name)
	if err != nil {
		return err
	}
	return s.Validate(doc)
}
