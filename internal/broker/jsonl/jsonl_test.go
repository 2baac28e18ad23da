package jsonl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/jsonl"
)

func TestParse_ResultEvent(t *testing.T) {
	p := jsonl.New(nil, false, nil, "agent-1")
	data := []byte(`{"type":"result","result":"hello world","session_id":"abc123"}` + "\n")

	res, err := p.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Response)
	assert.Equal(t, "abc123", res.SessionID)
	assert.False(t, res.FallbackRaw)
}

func TestParse_UnknownEventKind(t *testing.T) {
	p := jsonl.New(nil, false, nil, "agent-1")
	data := []byte(`{"type":"mystery","foo":"bar"}` + "\n")

	res, err := p.Parse(data)
	require.NoError(t, err)
	require.Len(t, res.UnknownEvents, 1)
	assert.True(t, res.FallbackRaw)
}

func TestParse_MalformedJSONLine(t *testing.T) {
	p := jsonl.New(nil, false, nil, "agent-1")
	data := []byte(`not json at all` + "\n")

	res, err := p.Parse(data)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].LineNo)
}

func TestParse_StrictModeAbortsOnFirstAnomaly(t *testing.T) {
	p := jsonl.New(nil, true, nil, "agent-1")
	data := []byte("garbage\n" + `{"type":"result","result":"ok"}` + "\n")

	res, err := p.Parse(data)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	require.Len(t, res.Errors, 1)
}

func TestParse_NoResultFallsBackToRawStdout(t *testing.T) {
	p := jsonl.New(nil, false, nil, "agent-1")
	data := []byte("\n" + `{"type":"status","status":"working"}` + "\n")

	res, err := p.Parse(data)
	require.NoError(t, err)
	assert.True(t, res.FallbackRaw)
	assert.Equal(t, `{"type":"status","status":"working"}`, res.Response)
}

func TestSchemaRegistry_ValidatesRegisteredKind(t *testing.T) {
	reg := jsonl.NewSchemaRegistry()
	schema := []byte(`{
		"type": "object",
		"properties": {"tool_name": {"type": "string", "enum": ["bash", "read"]}},
		"required": ["tool_name"]
	}`)
	require.NoError(t, reg.Register("tool_use", schema))

	p := jsonl.New(reg, false, nil, "agent-1")
	data := []byte(`{"type":"tool_use","tool_name":"unsupported_tool"}` + "\n")

	res, err := p.Parse(data)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	require.Len(t, res.Errors, 1)
}
