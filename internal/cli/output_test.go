package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/mutation"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
)

func TestExitError(t *testing.T) {
	err := NewExitError(ExitFailure, "2 scenario(s) failed")
	assert.Equal(t, "2 scenario(s) failed", err.Error())
	assert.Nil(t, errors.Unwrap(err))

	cause := errors.New("disk full")
	wrapped := WrapExitError(ExitCommandError, "failed to open database", cause)
	assert.Equal(t, "failed to open database: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "x"))))
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"id": "u1"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"id": "u1"}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeRowNotFound, "The row does not exist.", map[string]string{"kind": "not_found"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRowNotFound, resp.Error.Code)
	assert.Equal(t, "The row does not exist.", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(`{"id":"u1"}`))
	assert.Equal(t, "{\"id\":\"u1\"}\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E001", "load failed", map[string]string{"file": "a.cue"}))
	assert.Contains(t, buf.String(), "Error [E001]: load failed")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error("E001", "load failed", map[string]string{"file": "a.cue"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("table %s", "users")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, errOut.String(), "table users")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestOutputFormatter_VerboseLogFallsBackToWriter(t *testing.T) {
	out := &bytes.Buffer{}
	formatter := &OutputFormatter{Writer: out, Verbose: true}

	formatter.VerboseLog("opened %s", "app.db")
	assert.Equal(t, "opened app.db\n", out.String())
}

func TestOutputFormatter_FailureCodes(t *testing.T) {
	tests := []struct {
		kind mutation.ErrorKind
		code string
		exit int
	}{
		{mutation.KindValidation, ErrCodeBadInput, ExitFailure},
		{mutation.KindNotFound, ErrCodeRowNotFound, ExitFailure},
		{mutation.KindCancelled, ErrCodeCancelled, ExitFailure},
		{mutation.KindStore, ErrCodeStore, ExitFailure},
		{mutation.KindRollbackFailed, ErrCodeRollbackFailed, ExitRollbackFailed},
		{mutation.ErrorKind("mystery"), ErrCodeGeneric, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: buf}

			err := formatter.Failure(tt.kind, "nope")
			assert.Equal(t, tt.exit, GetExitCode(err))
			assert.Equal(t, "nope", err.Error())

			var resp CLIResponse
			require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, map[string]any{"kind": string(tt.kind)}, resp.Error.Details)
		})
	}
}

func TestOutputFormatter_RefuseUsesKeyMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	_, err := keys.Resolve(&schema.Table{Name: "log"}, "")
	require.Error(t, err)

	exitErr := formatter.Refuse(fmt.Errorf("resolve: %w", err))
	assert.Equal(t, ExitFailure, GetExitCode(exitErr))
	assert.Equal(t, "Error ["+ErrCodeBadInput+"]: "+keys.MsgNoPrimaryKey+"\n", buf.String())
}

func TestWriteResponse(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	ok := mutation.RowResponse{OK: true, Data: record.Row{"name": record.String("Ada"), "id": record.String("u1")}}
	require.NoError(t, writeResponse(formatter, ok))
	assert.Equal(t, `{"id":"u1","name":"Ada"}`+"\n", buf.String())

	buf.Reset()
	cancelled := mutation.RowResponse{Kind: mutation.KindCancelled, Message: "owners stay"}
	err := writeResponse(formatter, cancelled)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "Error ["+ErrCodeCancelled+"]: owners stay\n", buf.String())

	buf.Reset()
	rows := mutation.RowsResponse{OK: true, Data: []record.Row{{"id": record.String("a")}, {"id": record.String("b")}}}
	require.NoError(t, writeResponse(formatter, rows))
	assert.Equal(t, `[{"id":"a"},{"id":"b"}]`+"\n", buf.String())
}
