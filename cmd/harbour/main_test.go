package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeharbour/harbour/internal/pipeline"
)

// run executes the CLI with args against a config path that does not
// exist, so every command runs on defaults.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "harbour.yaml")
	cmd := newRootCmd(&app{})
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExtractCommand(t *testing.T) {
	in := `{"text":"Priya met Ravi","known_names":[{"name":"Priya Sharma","uin":"U-7"}],` +
		`"spans":[{"text":"Priya","start":0,"end":5,"label":"PERSON"},{"text":"Ravi","start":10,"end":14,"label":"PERSON"}]}`

	out, err := run(t, in, "extract")
	require.NoError(t, err)

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Entities, 2)
	require.NotNil(t, resp.Entities[0].UIN)
	assert.Equal(t, "U-7", *resp.Entities[0].UIN)
	assert.Nil(t, resp.Entities[1].UIN)
}

func TestExtractCommandInvalidInput(t *testing.T) {
	out, err := run(t, "not json", "extract")
	require.Error(t, err)

	var reported *exitError
	assert.True(t, errors.As(err, &reported))

	var body pipeline.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.True(t, strings.HasPrefix(body.Error, "Invalid JSON input"), body.Error)
}

func TestSanitizeCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "report.pdf")
	outPath := filepath.Join(dir, "clean.pdf")
	require.NoError(t, os.WriteFile(in, reportPDF("Jan Novak"), 0o600))

	out, err := run(t, "", "sanitize", in, outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "PDF sanitized successfully")
	assert.Contains(t, out, "Output: "+outPath)
	assert.Contains(t, out, "/Author")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Jan Novak")
}

func TestSanitizeCommandMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.pdf")

	out, err := run(t, "", "sanitize", missing)
	require.Error(t, err)
	assert.Equal(t, "Error: File not found: "+missing+"\n", out)
}

func TestSanitizeCommandArgs(t *testing.T) {
	_, err := run(t, "", "sanitize")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "harbour "+version+"\n", out)
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "harbour.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("recognizer:\n  backend: telepathy\n"), 0o600))

	cmd := newRootCmd(&app{})
	cmd.SetArgs([]string{"--config", cfgPath, "extract"})
	cmd.SetIn(strings.NewReader(`{"text":"John Smith"}`))
	var out bytes.Buffer
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	var reported *exitError
	assert.True(t, errors.As(err, &reported))

	var body pipeline.ErrorResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Contains(t, body.Error, "invalid config")
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
}

func TestUnreadableConfigOnSanitizeIsPlain(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "harbour.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("recognizer: [\n"), 0o600))

	cmd := newRootCmd(&app{})
	cmd.SetArgs([]string{"--config", cfgPath, "sanitize", "report.pdf"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)

	var reported *exitError
	assert.False(t, errors.As(err, &reported))
	assert.Empty(t, out.String())
}

func reportPDF(author string) []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] /Resources << >> >>",
		fmt.Sprintf("<< /Author (%s) /Producer (Writer) >>", author),
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f\r\n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R /Info 4 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return b.Bytes()
}
