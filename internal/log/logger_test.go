package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".trivium", "log.jsonl")
	l, err := NewLogger(path)
	require.NoError(t, err)

	require.NoError(t, l.Append(LogEvent{Event: EventSessionStarted, SessionID: "cq-1", Context: "topic"}))
	require.NoError(t, l.Append(LogEvent{Event: EventAnswerRejected, SessionID: "cq-1", Slot: "topic_problem", Attempt: 1}))
	require.NoError(t, l.Append(LogEvent{Event: EventSessionStarted, SessionID: "cq-2", Context: "onboarding"}))

	events, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventAnswerRejected, events[1].Event)
	assert.Equal(t, 1, events[1].Attempt)
	assert.False(t, events[0].Time.IsZero())

	mine, err := l.ForSession("cq-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestAppendKeepsExplicitTime(t *testing.T) {
	l, err := NewLogger(filepath.Join(t.TempDir(), "log.jsonl"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, l.Append(LogEvent{Time: at, Event: EventSessionPaused}))

	events, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Time.Equal(at))
}

func TestReadAllMissingFile(t *testing.T) {
	l := &Logger{path: filepath.Join(t.TempDir(), "absent.jsonl")}
	events, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadAllRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"event\":\"session_started\"}\nnot json\n"), 0644))

	l := &Logger{path: path}
	_, err := l.ReadAll()
	assert.Error(t, err)
}
