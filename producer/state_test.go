package producer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestLoadMissingFileStartsAnHourBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncState.json")
	s := NewStateStore(path, quietLogger())
	require.NoError(t, s.Load())

	wm := s.Watermark()
	assert.WithinDuration(t, time.Now().UTC().Add(-time.Hour), wm, 5*time.Second)
	assert.NotEmpty(t, s.InstanceID())

	// The repaired state was persisted.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var f syncStateFile
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, s.InstanceID(), f.InstanceID)
}

func TestLoadBareTimestampIsTreatedAsUTC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncState.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lastSync":"2026-08-30T12:00:00.000","instanceId":"inst-1"}`), 0o644))

	s := NewStateStore(path, quietLogger())
	require.NoError(t, s.Load())

	expected := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	assert.True(t, s.Watermark().Equal(expected), "watermark=%s", s.Watermark())
	assert.Equal(t, "inst-1", s.InstanceID())
}

func TestLoadCorruptFileResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncState.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStateStore(path, quietLogger())
	require.NoError(t, s.Load())
	assert.WithinDuration(t, time.Now().UTC().Add(-time.Hour), s.Watermark(), 5*time.Second)
	assert.NotEmpty(t, s.InstanceID())
}

func TestInstanceIDSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncState.json")

	s1 := NewStateStore(path, quietLogger())
	require.NoError(t, s1.Load())
	id := s1.InstanceID()

	s2 := NewStateStore(path, quietLogger())
	require.NoError(t, s2.Load())
	assert.Equal(t, id, s2.InstanceID())
}

func TestAdvanceWatermarkIsForwardOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncState.json")
	s := NewStateStore(path, quietLogger())
	require.NoError(t, s.Load())

	t1 := time.Now().UTC()
	require.NoError(t, s.AdvanceWatermark(t1))
	assert.True(t, s.Watermark().Equal(t1.UTC()))

	// A late debounced confirm from before t1 must not rewind.
	require.NoError(t, s.AdvanceWatermark(t1.Add(-10*time.Minute)))
	assert.True(t, s.Watermark().Equal(t1.UTC()))

	t2 := t1.Add(time.Minute)
	require.NoError(t, s.AdvanceWatermark(t2))
	assert.True(t, s.Watermark().Equal(t2.UTC()))

	// Advances persist across reloads (with millisecond file precision).
	s2 := NewStateStore(path, quietLogger())
	require.NoError(t, s2.Load())
	assert.WithinDuration(t, t2, s2.Watermark(), 10*time.Millisecond)
}
