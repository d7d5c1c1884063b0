package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/steptrace/internal/trace"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Invalid payload, ingest conflict, unknown id
	ExitCommandError = 2 // Bad flags, unreadable file, database or config unavailable
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
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
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Verbose/diagnostic output; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command's output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string             `json:"code"` // trace error code, or CLI_ERROR
	Message string             `json:"message"`
	Fields  []trace.FieldError `json:"fields,omitempty"`
}

// ErrCodeGeneric marks errors that carry no trace error code.
const ErrCodeGeneric = "CLI_ERROR"

// Success outputs data. Text mode prints text when it is non-empty and
// falls back to data's default formatting otherwise.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	if text == "" {
		text = fmt.Sprint(data)
	}
	_, err := fmt.Fprint(f.Writer, text)
	return err
}

// Error outputs err, carrying the trace error code and field paths when
// err is a *trace.Error.
func (f *OutputFormatter) Error(err error) error {
	cliErr := CLIError{Code: ErrCodeGeneric, Message: err.Error()}
	var te *trace.Error
	if errors.As(err, &te) {
		cliErr = CLIError{Code: string(te.Code), Message: te.Message, Fields: te.Fields}
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: &cliErr})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
	for _, fe := range cliErr.Fields {
		fmt.Fprintf(f.Writer, "  %s: %s\n", fe.Path, fe.Message)
	}
	if f.Verbose && te != nil && te.Err != nil {
		fmt.Fprintf(f.Writer, "Cause: %v\n", te.Err)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// In JSON mode it must go to ErrWriter to keep stdout parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
