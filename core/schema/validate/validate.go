package validate

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

var compiled sync.Map

// ValidateJSON checks data against a JSON schema document.
func ValidateJSON(schemaData, data []byte) error {
	schema, err := loadSchema(schemaData)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

// ValidateJSONL checks every non-empty line of data against the schema.
func ValidateJSONL(schemaData, data []byte) error {
	schema, err := loadSchema(schemaData)
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}

func loadSchema(schemaData []byte) (*jsonschema.Schema, error) {
	key := sha256.Sum256(schemaData)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaData)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled.Store(key, schema)
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
