// Package store keeps a local history of evaluations in sqlite.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/audiolibrelab/speakcheck/internal/evaluation"
)

// ErrNotFound is returned when an evaluation id is unknown.
var ErrNotFound = errors.New("evaluation not found")

// Evaluation is one stored evaluation result.
type Evaluation struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	RecordingID   string    `gorm:"index;size:36" json:"recording_id"`
	SubjectID     string    `gorm:"index" json:"subject_id"`
	MimeType      string    `json:"mime_type"`
	ArtifactBytes int       `json:"artifact_bytes"`
	OverallScore  float64   `json:"overall_score"`
	ScaleMax      float64   `json:"scale_max"`
	Criteria      int       `json:"criteria"`
	Result        string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// Decode returns the stored canonical result.
func (e *Evaluation) Decode() (*evaluation.Result, error) {
	var r evaluation.Result
	if err := json.Unmarshal([]byte(e.Result), &r); err != nil {
		return nil, fmt.Errorf("decode stored evaluation %s: %w", e.ID, err)
	}
	return &r, nil
}

// Entry is what the caller supplies to record an evaluation.
type Entry struct {
	RecordingID   string
	SubjectID     string
	MimeType      string
	ArtifactBytes int
	Result        *evaluation.Result
}

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the sqlite database at path and migrates it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	gormLog := gormLogger.New(
		log.New(os.Stderr, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Evaluation{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	logger.Debug("History store opened", "path", path)
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

func (s *Store) SaveEvaluation(ctx context.Context, entry Entry) (*Evaluation, error) {
	if entry.Result == nil {
		return nil, fmt.Errorf("no evaluation result to save")
	}
	data, err := json.Marshal(entry.Result)
	if err != nil {
		return nil, fmt.Errorf("encode evaluation: %w", err)
	}

	row := &Evaluation{
		ID:            uuid.NewString(),
		RecordingID:   entry.RecordingID,
		SubjectID:     entry.SubjectID,
		MimeType:      entry.MimeType,
		ArtifactBytes: entry.ArtifactBytes,
		OverallScore:  entry.Result.OverallScore,
		ScaleMax:      entry.Result.ScaleMax,
		Criteria:      len(entry.Result.Criteria),
		Result:        string(data),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("save evaluation: %w", err)
	}
	s.logger.Debug("Evaluation saved", "evaluation_id", row.ID, "recording_id", row.RecordingID)
	return row, nil
}

// ListEvaluations returns the newest evaluations first, optionally filtered by
// subject. limit <= 0 means no limit.
func (s *Store) ListEvaluations(ctx context.Context, subjectID string, limit int) ([]Evaluation, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if subjectID != "" {
		q = q.Where("subject_id = ?", subjectID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Evaluation
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return rows, nil
}

func (s *Store) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	var row Evaluation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return &row, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
