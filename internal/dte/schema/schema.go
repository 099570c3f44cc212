// Package schema validates DTE payloads before they reach the authority.
package schema

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"dtesync/internal/dte/models"
	dErrors "dtesync/pkg/domain-errors"
)

//go:embed dte.schema.json
var dteSchema []byte

const schemaURL = "https://dtesync.local/schemas/dte.json"

// Validator checks payloads against the embedded DTE schema.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(dteSchema))
	if err != nil {
		return nil, fmt.Errorf("parse dte schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add dte schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile dte schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// ValidationError lists every schema violation of one payload.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "document payload does not match the DTE schema: " + strings.Join(e.Violations, "; ")
}

// Validate checks the document payload and that its identification block
// agrees with the document metadata. Failures carry CodeInvalidInput.
func (v *Validator) Validate(doc models.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc.Payload))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "document payload is not valid JSON")
	}
	if err := v.schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return dErrors.Wrap(&ValidationError{Violations: violations(ve)}, dErrors.CodeInvalidInput, "invalid document payload")
		}
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid document payload")
	}
	return checkIdentification(doc, inst)
}

func checkIdentification(doc models.Document, inst any) error {
	ident, _ := inst.(map[string]any)["identificacion"].(map[string]any)
	if tipo, _ := ident["tipoDte"].(string); tipo != doc.Type.String() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("payload tipoDte %q does not match document type %q", tipo, doc.Type))
	}
	if doc.Number != "" {
		if num, _ := ident["numeroControl"].(string); num != doc.Number {
			return dErrors.New(dErrors.CodeInvalidInput, "payload numeroControl does not match document number")
		}
	}
	return nil
}

// violations flattens the error tree into one line per leaf.
func violations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		msg := ve.Error()
		if i := strings.LastIndex(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		return []string{loc + ": " + msg}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, violations(c)...)
	}
	return out
}
