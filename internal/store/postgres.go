package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mapserver/internal/apperrors"
	"mapserver/internal/models"
)

// SessionRow is the persisted form of one session: the serialized
// snapshot plus its version, which doubles as the optimistic lock.
type SessionRow struct {
	SessionID string `gorm:"primaryKey;size:128"`
	Version   int64  `gorm:"not null"`
	State     []byte `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (SessionRow) TableName() string { return "map_sessions" }

// PostgresStore persists sessions in Postgres through gorm. Apply uses
// optimistic locking: the UPDATE is guarded by the version read at the
// start of the attempt, and zero affected rows means another writer won
// and the mutation is retried against the refreshed state.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&SessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate map_sessions: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) load(ctx context.Context, sessionID string) (models.MapState, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.createDefault(ctx, sessionID)
	}
	if err != nil {
		return models.MapState{}, fmt.Errorf("load session %s: %v: %w", sessionID, err, apperrors.ErrUnavailable)
	}
	return decodeState(string(row.State))
}

// createDefault inserts the zero-version row; ON CONFLICT DO NOTHING
// lets a racing replica win, after which we read back whatever landed.
func (s *PostgresStore) createDefault(ctx context.Context, sessionID string) (models.MapState, error) {
	def := models.DefaultState()
	payload, err := json.Marshal(def)
	if err != nil {
		return models.MapState{}, err
	}
	row := SessionRow{SessionID: sessionID, Version: def.Version, State: payload}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return models.MapState{}, fmt.Errorf("create session %s: %v: %w", sessionID, err, apperrors.ErrUnavailable)
	}

	var loaded SessionRow
	if err := s.db.WithContext(ctx).First(&loaded, "session_id = ?", sessionID).Error; err != nil {
		return models.MapState{}, fmt.Errorf("reread session %s: %v: %w", sessionID, err, apperrors.ErrUnavailable)
	}
	return decodeState(string(loaded.State))
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (models.MapState, error) {
	return s.load(ctx, sessionID)
}

func (s *PostgresStore) Apply(ctx context.Context, sessionID string, mutate Mutation) (models.MapState, error) {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		cur, err := s.load(ctx, sessionID)
		if err != nil {
			return models.MapState{}, err
		}

		next, err := mutate(cur.Clone())
		if err != nil {
			return models.MapState{}, err
		}
		next.Version = cur.Version + 1

		payload, err := json.Marshal(next)
		if err != nil {
			return models.MapState{}, err
		}

		res := s.db.WithContext(ctx).Model(&SessionRow{}).
			Where("session_id = ? AND version = ?", sessionID, cur.Version).
			Updates(map[string]any{"version": next.Version, "state": payload, "updated_at": time.Now()})
		if res.Error != nil {
			return models.MapState{}, fmt.Errorf("commit session %s: %v: %w", sessionID, res.Error, apperrors.ErrUnavailable)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		// version moved under us; retry against the refreshed state
	}
	return models.MapState{}, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrConflict)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("postgres handle: %v: %w", err, apperrors.ErrUnavailable)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %v: %w", err, apperrors.ErrUnavailable)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// SweepIdle deletes sessions whose last commit is older than olderThan.
func (s *PostgresStore) SweepIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Where("updated_at < ?", cutoff).Delete(&SessionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep idle sessions: %v: %w", res.Error, apperrors.ErrUnavailable)
	}
	return int(res.RowsAffected), nil
}
