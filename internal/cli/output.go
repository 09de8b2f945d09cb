package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The transaction failed or is not processed yet
	ExitCommandError = 2 // Bad input, unreachable engine
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope written in json format
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data as JSON, or text for humans
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error writes an error in the configured format
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}
