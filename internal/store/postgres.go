package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vericase/deepresearch/internal/models"
)

type sessionRow struct {
	ID          string         `gorm:"primaryKey;size:26"`
	ScopeKind   string         `gorm:"size:16;not null;index:idx_research_sessions_scope,priority:1"`
	ScopeID     string         `gorm:"size:128;not null;index:idx_research_sessions_scope,priority:2"`
	Topic       string         `gorm:"type:text;not null"`
	State       string         `gorm:"size:32;not null;index"`
	Revision    int64          `gorm:"not null"`
	PlanVersion int            `gorm:"not null;default:0"`
	Snapshot    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"autoCreateTime:false;not null;index:idx_research_sessions_scope,priority:3"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime:false;not null"`
}

func (sessionRow) TableName() string { return "research_sessions" }

type snapshotRow struct {
	SessionID string         `gorm:"primaryKey;size:26"`
	Revision  int64          `gorm:"primaryKey"`
	State     string         `gorm:"size:32;not null"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:false;not null"`
	Snapshot  datatypes.JSON `gorm:"type:jsonb;not null"`
}

func (snapshotRow) TableName() string { return "research_session_snapshots" }

// PostgresStore implements Store on PostgreSQL through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens a connection pool for dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sessionRow{}, &snapshotRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Put(ctx context.Context, sess *models.Session) error {
	if err := prepare(sess); err != nil {
		return err
	}
	data, err := encode(sess)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sess.Revision == 1 {
			row := sessionRow{
				ID:          sess.ID,
				ScopeKind:   string(sess.Scope.Kind),
				ScopeID:     sess.Scope.ID,
				Topic:       sess.Topic,
				State:       string(sess.State),
				Revision:    sess.Revision,
				PlanVersion: sess.CurrentPlanVersion(),
				Snapshot:    datatypes.JSON(data),
				CreatedAt:   sess.CreatedAt.UTC(),
				UpdatedAt:   sess.UpdatedAt.UTC(),
			}
			if err := tx.Create(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return conflict(sess.ID, sess.Revision)
				}
				return fmt.Errorf("insert session: %w", err)
			}
		} else {
			res := tx.Model(&sessionRow{}).
				Where("id = ? AND revision = ?", sess.ID, sess.Revision-1).
				Updates(map[string]any{
					"state":        string(sess.State),
					"revision":     sess.Revision,
					"plan_version": sess.CurrentPlanVersion(),
					"snapshot":     datatypes.JSON(data),
					"updated_at":   sess.UpdatedAt.UTC(),
				})
			if res.Error != nil {
				return fmt.Errorf("update session: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				var n int64
				if err := tx.Model(&sessionRow{}).Where("id = ?", sess.ID).Count(&n).Error; err != nil {
					return fmt.Errorf("check session: %w", err)
				}
				if n == 0 {
					return notFound(sess.ID)
				}
				return conflict(sess.ID, sess.Revision)
			}
		}

		snap := snapshotRow{
			SessionID: sess.ID,
			Revision:  sess.Revision,
			State:     string(sess.State),
			UpdatedAt: sess.UpdatedAt.UTC(),
			Snapshot:  datatypes.JSON(data),
		}
		if err := tx.Create(&snap).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflict(sess.ID, sess.Revision)
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Select("snapshot").Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decode(row.Snapshot)
}

func (s *PostgresStore) ListByScope(ctx context.Context, scope models.Scope) ([]models.SessionSummary, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Select("id", "topic", "state", "plan_version", "created_at", "updated_at").
		Where("scope_kind = ? AND scope_id = ?", string(scope.Kind), scope.ID).
		Order("created_at DESC").Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]models.SessionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.SessionSummary{
			ID:          r.ID,
			Topic:       r.Topic,
			State:       models.State(r.State),
			PlanVersion: r.PlanVersion,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Select("snapshot").
		Where("state NOT IN ?", []string{string(models.StateCompleted), string(models.StateFailed), string(models.StateCancelled)}).
		Order("created_at").Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := decode(r.Snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *PostgresStore) History(ctx context.Context, id string) ([]models.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("revision").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(rows) == 0 {
		return nil, notFound(id)
	}
	out := make([]models.Snapshot, 0, len(rows))
	for _, r := range rows {
		sess, err := decode(r.Snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Snapshot{
			SessionID: r.SessionID,
			Revision:  r.Revision,
			State:     models.State(r.State),
			UpdatedAt: r.UpdatedAt,
			Session:   sess,
		})
	}
	return out, nil
}
