package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/mutation"
	"github.com/roach88/rowhooks/internal/record"
)

// Exit codes for CLI commands.
const (
	ExitSuccess        = 0 // Mutation applied, scenarios passed
	ExitFailure        = 1 // Scenario failed, or the mutation was refused and nothing changed
	ExitCommandError   = 2 // Command error (invalid paths, bad flags, etc.)
	ExitRollbackFailed = 3 // A cancelled mutation could not be fully undone
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error // optional cause
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

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError exit with ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// failureCode is how one mutation.ErrorKind is reported.
type failureCode struct {
	code string
	exit int
}

var failureCodes = map[mutation.ErrorKind]failureCode{
	mutation.KindValidation:     {ErrCodeBadInput, ExitFailure},
	mutation.KindNotFound:       {ErrCodeRowNotFound, ExitFailure},
	mutation.KindCancelled:      {ErrCodeCancelled, ExitFailure},
	mutation.KindStore:          {ErrCodeStore, ExitFailure},
	mutation.KindRollbackFailed: {ErrCodeRollbackFailed, ExitRollbackFailed},
}

// codeFor returns the CLI error code and exit code of kind.
func codeFor(kind mutation.ErrorKind) failureCode {
	if fc, ok := failureCodes[kind]; ok {
		return fc
	}
	return failureCode{ErrCodeGeneric, ExitFailure}
}

// OutputFormatter writes command results as text or as a CLIResponse.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; Writer when nil
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E202", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // e.g. {"kind": "cancelled"}
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Row outputs a row or rows: canonical JSON on one line in text mode, the
// CLIResponse data in json mode.
func (f *OutputFormatter) Row(data any) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	out, err := record.MarshalCanonical(data)
	if err != nil {
		return err
	}
	return f.Success(string(out))
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Failure reports a mutation that did not apply and returns the ExitError
// for its kind.
func (f *OutputFormatter) Failure(kind mutation.ErrorKind, message string) error {
	fc := codeFor(kind)
	_ = f.Error(fc.code, message, map[string]string{"kind": string(kind)})
	return NewExitError(fc.exit, message)
}

// Refuse reports a key that cannot address a row. keys.Error messages are
// shown as is.
func (f *OutputFormatter) Refuse(err error) error {
	msg := err.Error()
	var kerr *keys.Error
	if errors.As(err, &kerr) {
		msg = kerr.Message
	}
	return f.Failure(mutation.KindValidation, msg)
}

// writeResponse prints a mutation outcome: the row on success, the
// failure otherwise.
func writeResponse[T any](f *OutputFormatter, resp mutation.Response[T]) error {
	if !resp.OK {
		return f.Failure(resp.Kind, resp.Message)
	}
	return f.Row(resp.Data)
}

// VerboseLog writes a line to ErrWriter when verbose mode is on, so json
// output on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
