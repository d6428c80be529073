package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/internal/msgstore"
)

func TestPrintEventNormalized(t *testing.T) {
	var buf bytes.Buffer

	printEvent(&buf, &msgstore.Event{
		Type:  msgstore.EventNormalized,
		Entry: &msgstore.NormalizedEntry{Type: msgstore.EntryAssistantMessage, Content: "hello there"},
	}, false)
	printEvent(&buf, &msgstore.Event{
		Type:  msgstore.EventNormalized,
		Entry: &msgstore.NormalizedEntry{Type: msgstore.EntryToolUse, ToolName: "Bash"},
	}, false)
	printEvent(&buf, &msgstore.Event{
		Type:  msgstore.EventNormalized,
		Entry: &msgstore.NormalizedEntry{Type: msgstore.EntryError, Content: "boom"},
	}, false)

	out := buf.String()
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "[tool] Bash")
	assert.Contains(t, out, "[error] boom")
}

func TestPrintEventRawMode(t *testing.T) {
	var buf bytes.Buffer

	printEvent(&buf, &msgstore.Event{Type: msgstore.EventStdout, Content: "raw bytes\n"}, true)
	printEvent(&buf, &msgstore.Event{
		Type:  msgstore.EventNormalized,
		Entry: &msgstore.NormalizedEntry{Type: msgstore.EntryAssistantMessage, Content: "hidden"},
	}, true)

	assert.Equal(t, "raw bytes\n", buf.String())
}

func TestAPIClientErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "session not found: x"}`))
	}))
	defer ts.Close()

	c := newAPIClient(strings.TrimPrefix(ts.URL, "http://"))
	err := c.get("/api/sessions/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found: x")
}

func TestAPIClientDecodesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools": ["claude", "codex"]}`))
	}))
	defer ts.Close()

	c := newAPIClient(strings.TrimPrefix(ts.URL, "http://"))
	var resp struct {
		Tools []string `json:"tools"`
	}
	require.NoError(t, c.get("/api/tools", &resp))
	assert.Equal(t, []string{"claude", "codex"}, resp.Tools)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Approve", capitalize("approve"))
	assert.Equal(t, "", capitalize(""))
}
