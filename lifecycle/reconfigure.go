package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
)

const maxStateBackups = 10

// ConfigurationManager handles venue reassignment. The sync state belongs to
// the old venue, so it is backed up and removed; the watermark then restarts
// from the fallback window under the new identity.
type ConfigurationManager struct {
	logger        *logrus.Logger
	stateFilePath string
}

func NewConfigurationManager(logger *logrus.Logger, stateFilePath string) *ConfigurationManager {
	return &ConfigurationManager{logger: logger, stateFilePath: stateFilePath}
}

// Reconfigure validates and persists a new venue id. The caller drives the
// state machine around it and swaps the running configuration on success.
func (c *ConfigurationManager) Reconfigure(newVenueID string) error {
	if err := config.ValidateVenueID(newVenueID); err != nil {
		return err
	}
	if err := c.backupStateFile(); err != nil {
		return err
	}
	if err := config.UpdateVenueID(newVenueID); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"module":  "lifecycle",
		"venueId": newVenueID,
	}).Info("venue reconfigured")
	return nil
}

// backupStateFile moves the current sync state aside, keeping the newest
// backups and pruning the rest.
func (c *ConfigurationManager) backupStateFile() error {
	if _, err := os.Stat(c.stateFilePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	backup := fmt.Sprintf("%s.bak.%s", c.stateFilePath, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(c.stateFilePath, backup); err != nil {
		return fmt.Errorf("backup sync state: %w", err)
	}

	matches, err := filepath.Glob(c.stateFilePath + ".bak.*")
	if err != nil {
		return nil
	}
	if len(matches) <= maxStateBackups {
		return nil
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-maxStateBackups] {
		os.Remove(old)
	}
	return nil
}
