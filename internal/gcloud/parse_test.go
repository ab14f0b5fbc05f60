package gcloud

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstance(t *testing.T) {
	inst, err := ParseInstance(`{"name": "eliza-agent-1", "status": "RUNNING"}` + "\n")

	require.NoError(t, err)
	assert.Equal(t, "eliza-agent-1", inst.Name)
	assert.True(t, inst.Running())
}

func TestParseInstance_Invalid(t *testing.T) {
	_, err := ParseInstance("not json")
	assert.Error(t, err)

	_, err = ParseInstance(`{"status":"RUNNING"}`)
	assert.Error(t, err)
}

func TestParseInstanceList(t *testing.T) {
	list, err := ParseInstanceList(`[
		{"name":"eliza-agent-2","status":"TERMINATED"},
		{"name":"eliza-agent-1","status":"RUNNING"}
	]`)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "eliza-agent-1", list[0].Name)
	assert.False(t, list[1].Running())
}

func TestParseInstanceList_Empty(t *testing.T) {
	list, err := ParseInstanceList("  \n")

	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", Tail("short", 10))
	assert.Equal(t, "line3\n", Tail("line1\nline2\nline3\n", 8))
	assert.Equal(t, "abc", Tail("xyzabc", 3))

	big := strings.Repeat("x", 100) + "\nEliza agent service is running"
	assert.Equal(t, "Eliza agent service is running", Tail(big, 40))
}
