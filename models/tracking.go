package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// EntityTracking is the change feed the detector polls (pos_entity_tracking).
// Database triggers installed alongside the bridge insert/update a row here
// on every mutation of a watched POS table; the bridge itself also writes one
// after applying a cloud command so its own mutations surface the same way.
type EntityTracking struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType     string    `gorm:"column:entity_type;index:idx_tracking_modified,priority:2"`
	EntityID       string    `gorm:"column:entity_id"`
	ChangeReason   string    `gorm:"column:change_reason"`
	ContentHash    string    `gorm:"column:content_hash"`
	LastModifiedAt time.Time `gorm:"column:last_modified_at;index:idx_tracking_modified,priority:1"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (EntityTracking) TableName() string { return "pos_entity_tracking" }

// EntitySnapshot records the last payload hash confirmed onto the bus per
// entity (pos_entity_snapshots). Change reports whose hash matches the
// snapshot are suppressed as no-ops.
type EntitySnapshot struct {
	EntityType   string    `gorm:"column:entity_type;primaryKey"`
	EntityID     string    `gorm:"column:entity_id;primaryKey"`
	LastSentHash string    `gorm:"column:last_sent_hash"`
	LastSentAt   time.Time `gorm:"column:last_sent_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (EntitySnapshot) TableName() string { return "pos_entity_snapshots" }

// EntityChange is one detected change handed to the processing pipeline.
type EntityChange struct {
	EntityType     string
	EntityID       string
	ChangeReason   string
	ContentHash    string
	LastSentHash   *string
	LastModifiedAt time.Time
}

// TrackingStore wraps the two tracking tables. All detector and producer
// database access goes through here so tests can run it against sqlite.
type TrackingStore struct {
	db *gorm.DB
}

func NewTrackingStore(db *gorm.DB) *TrackingStore {
	return &TrackingStore{db: db}
}

// GetEntityChanges returns tracking rows modified after the watermark, oldest
// first, each joined with its last-sent snapshot hash.
func (s *TrackingStore) GetEntityChanges(since time.Time, limit int) ([]EntityChange, error) {
	var rows []EntityTracking
	q := s.db.Where("last_modified_at > ?", since).Order("last_modified_at asc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, utils.ClassifyDBError("tracking.GetEntityChanges", err)
	}

	changes := make([]EntityChange, 0, len(rows))
	for _, row := range rows {
		change := EntityChange{
			EntityType:     row.EntityType,
			EntityID:       row.EntityID,
			ChangeReason:   row.ChangeReason,
			ContentHash:    row.ContentHash,
			LastModifiedAt: row.LastModifiedAt,
		}
		var snap EntitySnapshot
		err := s.db.Where("entity_type = ? AND entity_id = ?", row.EntityType, row.EntityID).First(&snap).Error
		switch {
		case err == nil:
			hash := snap.LastSentHash
			change.LastSentHash = &hash
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first sighting, no snapshot yet
		default:
			return nil, utils.ClassifyDBError("tracking.GetEntityChanges", err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// TrackEntityChange upserts a tracking row. The bridge calls this after its
// own writes; deployments without triggers call it from the adapter too.
func (s *TrackingStore) TrackEntityChange(entityType, entityID, reason, contentHash string, modifiedAt time.Time) error {
	row := EntityTracking{
		EntityType:     entityType,
		EntityID:       entityID,
		ChangeReason:   reason,
		ContentHash:    contentHash,
		LastModifiedAt: modifiedAt,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return utils.ClassifyDBError("tracking.TrackEntityChange", err)
	}
	return nil
}

// UpdateEntitySnapshot records the hash that was just confirmed onto the bus.
func (s *TrackingStore) UpdateEntitySnapshot(entityType, entityID, sentHash string, sentAt time.Time) error {
	snap := EntitySnapshot{
		EntityType:   entityType,
		EntityID:     entityID,
		LastSentHash: sentHash,
		LastSentAt:   sentAt,
		UpdatedAt:    time.Now().UTC(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sent_hash", "last_sent_at", "updated_at"}),
	}).Create(&snap).Error
	if err != nil {
		return utils.ClassifyDBError("tracking.UpdateEntitySnapshot", err)
	}
	return nil
}

// CleanupStuckTracking deletes tracking rows older than the cutoff. Rows that
// old have either been published (snapshot updated) or belong to entities the
// POS purged; keeping them only slows the poll query down.
func (s *TrackingStore) CleanupStuckTracking(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.Where("last_modified_at < ?", cutoff).Delete(&EntityTracking{})
	if res.Error != nil {
		return 0, utils.ClassifyDBError("tracking.CleanupStuckTracking", res.Error)
	}
	return res.RowsAffected, nil
}

// TrackingStats is a cheap health snapshot for the ops endpoint.
type TrackingStats struct {
	PendingRows  int64 `json:"pendingRows"`
	SnapshotRows int64 `json:"snapshotRows"`
}

func (s *TrackingStore) Stats() (TrackingStats, error) {
	var out TrackingStats
	if err := s.db.Model(&EntityTracking{}).Count(&out.PendingRows).Error; err != nil {
		return out, utils.ClassifyDBError("tracking.Stats", err)
	}
	if err := s.db.Model(&EntitySnapshot{}).Count(&out.SnapshotRows).Error; err != nil {
		return out, utils.ClassifyDBError("tracking.Stats", err)
	}
	return out, nil
}
