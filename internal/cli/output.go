package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"kasirsync/internal/domain"
)

// Exit codes for posctl commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // operation rejected: validation, permission, illegal transition
	ExitCommandError = 2 // bad flags, unreadable queue database, unreachable backend
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error

	reported bool
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

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Reported is true when the error was already printed to the command output.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.reported
}

// errorCode maps engine errors to the stable codes printed in JSON output.
func errorCode(err error) string {
	switch {
	case domain.IsValidation(err):
		return "E_VALIDATION"
	case domain.IsPermissionDenied(err):
		return "E_PERMISSION"
	case domain.IsInvalidTransition(err):
		return "E_TRANSITION"
	case errors.Is(err, domain.ErrNotFound):
		return "E_NOT_FOUND"
	case GetExitCode(err) == ExitCommandError:
		return "E_COMMAND"
	default:
		return "E_FAILED"
	}
}

type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

type Response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success prints data as a JSON envelope, or through text when the format is
// text. text may be nil, in which case data is printed with %v.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	if text != nil {
		text(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

func (f *OutputFormatter) Error(err error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: errorCode(err), Message: err.Error()},
		})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %v\n", errorCode(err), err)
	return werr
}
