package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// keyRow is the table layout. Timestamps are Unix seconds; a NULL expiry
// means the key never expires.
type keyRow struct {
	APIKey      string `gorm:"column:User_API_Key;primaryKey"`
	UserID      string `gorm:"column:user_id;index;not null"`
	ProjectName string `gorm:"column:Project_Name"`
	ProjectID   string `gorm:"column:Project_Id"`
	Expires     *int64 `gorm:"column:Expires_At"`
	Created     int64  `gorm:"column:Created_At;index"`
	LastUsed    *int64 `gorm:"column:Last_Used"`
}

// SQL is a Store backed by a database table through gorm.
type SQL struct {
	db     *gorm.DB
	table  string
	logger *slog.Logger
}

// OpenSQL opens a SQLite database at dsn and makes sure the key table
// exists.
func OpenSQL(dsn, table string, log *slog.Logger) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening key database: %w", err)
	}

	return NewSQL(db, table, log)
}

// NewSQL wraps an open gorm connection and migrates the key table.
func NewSQL(db *gorm.DB, table string, log *slog.Logger) (*SQL, error) {
	if table == "" {
		table = DefaultTable
	}

	if err := db.Table(table).AutoMigrate(&keyRow{}); err != nil {
		return nil, fmt.Errorf("migrating key table: %w", err)
	}

	return &SQL{
		db:     db,
		table:  table,
		logger: log.With(slog.String("component", "keystore"), slog.String("backend", "sql")),
	}, nil
}

func (s *SQL) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *SQL) fail(op string, err error) error {
	s.logger.Warn("key store query failed", slog.String("op", op), slog.String("error", err.Error()))
	return &StoreError{Op: op, Message: err.Error()}
}

// List implements Store.
func (s *SQL) List(ctx context.Context, userID string) ([]models.KeyRecord, error) {
	var rows []keyRow
	if err := s.tx(ctx).Where("user_id = ?", userID).Order("Created_At DESC").Find(&rows).Error; err != nil {
		return nil, s.fail("list", err)
	}

	out := make([]models.KeyRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}

	return out, nil
}

// Rename implements Store.
func (s *SQL) Rename(ctx context.Context, keyID, userID, name string) error {
	res := s.tx(ctx).
		Where("User_API_Key = ? AND user_id = ?", keyID, userID).
		Update("Project_Name", name)
	if res.Error != nil {
		return s.fail("rename", res.Error)
	}

	if res.RowsAffected == 0 {
		return apperrors.ErrKeyNotFound
	}

	return nil
}

// Delete implements Store.
func (s *SQL) Delete(ctx context.Context, keyID, userID string) error {
	err := s.tx(ctx).
		Where("User_API_Key = ? AND user_id = ?", keyID, userID).
		Delete(&keyRow{}).Error
	if err != nil {
		return s.fail("delete", err)
	}

	return nil
}

// Insert adds a key row. Used to seed self-hosted deployments and tests;
// production keys are minted by the issuance endpoint.
func (s *SQL) Insert(ctx context.Context, rec models.KeyRecord) error {
	if rec.APIKey == "" || rec.UserID == "" {
		return fmt.Errorf("insert key: %w: key and user are required", apperrors.ErrValidation)
	}

	row := rowFrom(rec)
	if row.Created == 0 {
		row.Created = time.Now().Unix()
	}

	if err := s.tx(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert key: %w: duplicate key", apperrors.ErrValidation)
		}

		return s.fail("insert", err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func rowFrom(rec models.KeyRecord) keyRow {
	row := keyRow{
		APIKey:      rec.APIKey,
		UserID:      rec.UserID,
		ProjectName: rec.ProjectName,
		ProjectID:   string(rec.ProjectID),
		Expires:     unixSeconds(rec.ExpiresAt),
		LastUsed:    unixSeconds(rec.LastUsed),
	}

	if created := unixSeconds(rec.CreatedAt); created != nil {
		row.Created = *created
	}

	return row
}

func (r keyRow) record() models.KeyRecord {
	return models.KeyRecord{
		UserID:      r.UserID,
		ProjectName: r.ProjectName,
		APIKey:      r.APIKey,
		ProjectID:   models.LooseString(r.ProjectID),
		ExpiresAt:   timestamp(r.Expires),
		CreatedAt:   models.UnixTimestamp(r.Created),
		LastUsed:    timestamp(r.LastUsed),
	}
}

// unixSeconds converts a loose timestamp into Unix seconds. Millisecond
// values are scaled down and date strings are parsed; anything else is
// stored as NULL.
func unixSeconds(ts models.Timestamp) *int64 {
	if n, ok := ts.Int64(); ok {
		if n >= 10_000_000_000 {
			n /= 1000
		}

		return &n
	}

	if s, ok := ts.Text(); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			n := t.Unix()
			return &n
		}
	}

	return nil
}

func timestamp(v *int64) models.Timestamp {
	if v == nil {
		return models.NullTimestamp()
	}

	return models.UnixTimestamp(*v)
}
