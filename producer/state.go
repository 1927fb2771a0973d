package producer

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
)

// fallbackWindow is how far back the watermark rewinds when no usable state
// exists. Re-publishing an hour of changes is safe, consumers dedupe on the
// payload hash; losing changes is not.
const fallbackWindow = time.Hour

type syncStateFile struct {
	LastSync   string `json:"lastSync"`
	InstanceID string `json:"instanceId"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

// StateStore persists the sync watermark and the installation's instance id
// to a small JSON file next to the binary.
type StateStore struct {
	path   string
	logger *logrus.Logger

	mu         sync.Mutex
	watermark  time.Time
	instanceID string
}

func NewStateStore(path string, logger *logrus.Logger) *StateStore {
	return &StateStore{path: path, logger: logger}
}

// Load reads the state file, repairing what it can. Missing file, corrupt
// JSON or an unparseable timestamp all fall back to a fresh watermark one
// hour back; a valid file with a bare timestamp gets a UTC zone assumed.
func (s *StateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			config.LogError(s.logger, "producer", "Load", "reading sync state", nil, err)
		}
		return s.resetLocked()
	}

	var f syncStateFile
	if err := json.Unmarshal(raw, &f); err != nil {
		config.LogError(s.logger, "producer", "Load", "corrupt sync state, resetting", string(raw), err)
		return s.resetLocked()
	}

	ts := strings.TrimSpace(f.LastSync)
	// Older builds wrote local timestamps without a zone; treat those as UTC.
	if len(ts) >= 6 && !strings.HasSuffix(ts, "Z") && !strings.ContainsAny(ts[len(ts)-6:], "+-") {
		ts += "Z"
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		parsed, err = time.Parse("2006-01-02T15:04:05.000Z", ts)
	}
	if err != nil {
		config.LogError(s.logger, "producer", "Load", "unparseable watermark, resetting", f.LastSync, err)
		return s.resetLocked()
	}

	s.watermark = parsed.UTC()
	s.instanceID = f.InstanceID
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
		return s.saveLocked()
	}
	return nil
}

func (s *StateStore) resetLocked() error {
	s.watermark = time.Now().UTC().Add(-fallbackWindow)
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	return s.saveLocked()
}

func (s *StateStore) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

func (s *StateStore) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// AdvanceWatermark moves the watermark forward and persists it. Moves
// backwards are ignored; late debounced confirms must never rewind it.
func (s *StateStore) AdvanceWatermark(to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !to.After(s.watermark) {
		return nil
	}
	s.watermark = to.UTC()
	return s.saveLocked()
}

func (s *StateStore) saveLocked() error {
	f := syncStateFile{
		LastSync:   s.watermark.UTC().Format("2006-01-02T15:04:05.000Z"),
		InstanceID: s.instanceID,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
