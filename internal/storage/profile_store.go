package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scentchat/internal/models"
)

// ProfileStore keeps one merged profile per owner.
type ProfileStore struct {
	db     *sql.DB
	driver string
	locks  KeyedMutex
	now    func() time.Time
}

func NewProfileStore(db *sql.DB, driver string) *ProfileStore {
	return &ProfileStore{db: db, driver: driverName(driver), now: time.Now}
}

func (s *ProfileStore) Get(ctx context.Context, ownerID string) (*models.Profile, error) {
	if ownerID == "" {
		return nil, ErrNotFound
	}
	var (
		data    string
		profile models.Profile
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created_at, updated_at FROM profiles WHERE owner_id = ?`, ownerID,
	).Scan(&data, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &profile.ProfileFragment); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", ownerID, err)
	}
	profile.OwnerID = ownerID
	return &profile, nil
}

// Merge folds fragment into the owner's profile, creating it on first use.
// An empty fragment changes nothing and creates nothing. The returned bool
// reports whether the stored profile changed.
func (s *ProfileStore) Merge(ctx context.Context, ownerID string, fragment models.ProfileFragment) (_ *models.Profile, changed bool, err error) {
	if ownerID == "" {
		return nil, false, errors.New("owner_id is required")
	}
	if fragment.Normalized().IsEmpty() {
		return nil, false, nil
	}

	unlock := s.locks.Lock(ownerID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil || !changed {
			tx.Rollback()
		}
	}()

	lockClause := ""
	if s.driver == "mysql" {
		lockClause = " FOR UPDATE"
	}
	now := s.now().UTC()
	profile := models.Profile{OwnerID: ownerID, CreatedAt: now}
	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data, created_at FROM profiles WHERE owner_id = ?`+lockClause, ownerID,
	).Scan(&data, &profile.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return nil, false, fmt.Errorf("read profile: %w", err)
	default:
		if err = json.Unmarshal([]byte(data), &profile.ProfileFragment); err != nil {
			return nil, false, fmt.Errorf("decode profile %s: %w", ownerID, err)
		}
	}

	if !profile.Merge(fragment) {
		return &profile, false, nil
	}
	profile.UpdatedAt = now

	payload, err := json.Marshal(profile.ProfileFragment)
	if err != nil {
		return nil, false, fmt.Errorf("encode profile: %w", err)
	}
	var upsert string
	if s.driver == "mysql" {
		upsert = `INSERT INTO profiles (owner_id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`
	} else {
		upsert = `INSERT INTO profiles (owner_id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(owner_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	}
	if _, err = tx.ExecContext(ctx, upsert, ownerID, string(payload), profile.CreatedAt.UTC(), now); err != nil {
		return nil, false, fmt.Errorf("upsert profile: %w", err)
	}
	changed = true
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit profile: %w", err)
	}
	return &profile, true, nil
}

// Delete removes the owner's profile together with the owner's data.
func (s *ProfileStore) Delete(ctx context.Context, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE owner_id = ?`, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("profile rows affected: %w", err)
	}
	return affected > 0, nil
}
