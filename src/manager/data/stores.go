package data

import (
	"context"
	"time"

	"github.com/nodeworks/agent-fleet/src/manager/types"
	"gorm.io/gorm"
)

// SnapshotStore persists archived transcript rows.
type SnapshotStore struct {
	DB *gorm.DB
}

// InsertBatch writes all rows in one transaction: either the whole batch
// persists or none of it does.
func (s SnapshotStore) InsertBatch(ctx context.Context, rows []types.SnapshotMessage) error {
	if len(rows) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// SessionStore owns session rows on the management side.
type SessionStore struct {
	DB *gorm.DB
}

func (s SessionStore) Ensure(ctx context.Context, instanceID, sessionKey string) (types.Session, error) {
	var sess types.Session
	err := s.DB.WithContext(ctx).
		FirstOrCreate(&sess, types.Session{InstanceID: instanceID, SessionKey: sessionKey}).Error
	return sess, err
}

func (s SessionStore) MarkInactive(ctx context.Context, sessionKey string) error {
	now := time.Now()
	return s.DB.WithContext(ctx).Model(&types.Session{}).
		Where("session_key = ?", sessionKey).
		Updates(map[string]interface{}{"active": false, "last_archived_at": now}).Error
}

// InstanceStore reads and writes instance records. The registry only touches
// the transient connected bit; durable status lives here.
type InstanceStore struct {
	DB *gorm.DB
}

func (s InstanceStore) Get(ctx context.Context, id string) (types.Instance, error) {
	var inst types.Instance
	err := s.DB.WithContext(ctx).First(&inst, "id = ?", id).Error
	return inst, err
}

func (s InstanceStore) List(ctx context.Context) ([]types.Instance, error) {
	var out []types.Instance
	err := s.DB.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

func (s InstanceStore) SetStatus(ctx context.Context, id, status string) error {
	return s.DB.WithContext(ctx).Model(&types.Instance{}).
		Where("id = ?", id).Update("status", status).Error
}

// SetObserved records a successful handshake: durable status plus the runtime
// version the peer reported, when it reported one.
func (s InstanceStore) SetObserved(ctx context.Context, id, status, version string) error {
	updates := map[string]interface{}{"status": status}
	if version != "" {
		updates["version"] = version
	}
	return s.DB.WithContext(ctx).Model(&types.Instance{}).
		Where("id = ?", id).Updates(updates).Error
}
