package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/liamcoop/rulesflow/transaction"
)

const (
	// WarningMessage explains an abandoned incomplete transaction
	WarningMessage = "One or more input files missing current. Might get processed after complete input later"
	// ParseErrorMessage heads the artifact written for undecodable input
	ParseErrorMessage = "Invalid JSON syntax in file"
)

// Warning is written into the queue folder when inputs stay incomplete
type Warning struct {
	Warning string          `json:"warning"`
	Details map[string]bool `json:"details"`
}

func newWarning(objectsPresent, rulesPresent bool) Warning {
	return Warning{
		Warning: WarningMessage,
		Details: map[string]bool{
			transaction.ObjectsFile: objectsPresent,
			transaction.RulesFile:   rulesPresent,
		},
	}
}

// ParseError reports an input document that is not valid JSON
type ParseError struct {
	Message  string `json:"error"`
	Filename string `json:"filename"`
	Details  string `json:"details"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Message, e.Filename, e.Details)
}

// ProcessingError reports a failure while compiling or evaluating the rules
type ProcessingError struct {
	ID    string
	Cause error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("Processing error for folder %s - %v", e.ID, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// MarshalJSON writes the artifact form {"error": "..."}
func (e *ProcessingError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"error": e.Error()})
}

var errTrailingData = errors.New("extra data after top-level value")

// decodeDocument parses one JSON value, keeping number literals intact
func decodeDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("expecting value: empty document")
		}
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w at offset %d", errTrailingData, dec.InputOffset())
	}
	return doc, nil
}
