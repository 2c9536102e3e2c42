package counter

import (
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	ErrMissingReportID  = errors.New("report has no Report_ID")
	ErrReportIDMismatch = errors.New("report id does not match the requested report")
	ErrSchemaInvalid    = errors.New("report does not conform to the COUNTER schema")
)

// Validator checks raw report documents against the versioned COUNTER
// JSON schemas. Compiled schemas are cached per release.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*gojsonschema.Schema)}
}

func (v *Validator) schemaFor(version string) (*gojsonschema.Schema, error) {
	release := MajorRelease(version)

	v.mu.Lock()
	defer v.mu.Unlock()

	if schema, ok := v.schemas[release]; ok {
		return schema, nil
	}

	name := "schemas/counter5.json"
	if release == "5.1" {
		name = "schemas/counter51.json"
	}
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("loading schema for release %s: %w", release, err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("compiling schema for release %s: %w", release, err)
	}
	v.schemas[release] = schema
	return schema, nil
}

// Validate checks the raw document against the schema for the protocol
// version and verifies the declared report id matches the requested one.
// The returned messages list individual schema violations.
func (v *Validator) Validate(version, requestedReportID string, raw []byte) ([]string, error) {
	report, err := ParseReport(raw)
	if err != nil {
		return nil, err
	}

	declared := strings.ToLower(strings.TrimSpace(report.Header.ReportID))
	if declared == "" {
		return nil, ErrMissingReportID
	}
	if requested := strings.ToLower(strings.TrimSpace(requestedReportID)); requested != "" && declared != requested {
		return nil, fmt.Errorf("%w: got %q, requested %q", ErrReportIDMismatch, declared, requested)
	}

	schema, err := v.schemaFor(version)
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("running schema validation: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		messages = append(messages, issue.String())
	}
	return messages, ErrSchemaInvalid
}
