package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrNotFound = errors.New("analysis not found")

// Analysis is one /predict request and its outcome.
type Analysis struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type"`

	Status           Status                        `gorm:"index" json:"status"`
	Prediction       string                        `json:"prediction,omitempty"`
	Confidence       float64                       `json:"confidence"`
	ConfidenceLevel  string                        `json:"confidence_level,omitempty"`
	RiskLevel        string                        `json:"risk_level,omitempty"`
	RawScore         datatypes.JSONType[[]float64] `json:"raw_score"`
	Recommendations  datatypes.JSONType[[]string]  `json:"recommendations"`
	ProcessingTimeMs int64                         `json:"processing_time_ms"`
	Error            string                        `json:"error,omitempty"`
}

// Upload describes the file an analysis was requested for.
type Upload struct {
	OriginalName string
	Size         int64
	ContentType  string
}

// Outcome is the result written when an analysis completes.
type Outcome struct {
	Prediction      string
	Confidence      float64
	ConfidenceLevel string
	RiskLevel       string
	RawScore        []float64
	Recommendations []string
}

// Store persists analyses. A nil *Store accepts every call and stores nothing,
// which is how history is disabled.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) Enabled() bool { return s != nil }

// Begin records a new analysis in the processing state.
func (s *Store) Begin(u Upload) (*Analysis, error) {
	if s == nil {
		return nil, nil
	}
	a := &Analysis{
		OriginalName: u.OriginalName,
		Size:         u.Size,
		ContentType:  u.ContentType,
		Status:       StatusProcessing,
	}
	if err := s.db.Create(a).Error; err != nil {
		return nil, fmt.Errorf("failed to create analysis: %w", err)
	}
	return a, nil
}

// Complete stores the outcome of a.
func (s *Store) Complete(a *Analysis, o Outcome, elapsed time.Duration) error {
	if s == nil || a == nil {
		return nil
	}
	a.Status = StatusCompleted
	a.Prediction = o.Prediction
	a.Confidence = o.Confidence
	a.ConfidenceLevel = o.ConfidenceLevel
	a.RiskLevel = o.RiskLevel
	a.RawScore = datatypes.NewJSONType(o.RawScore)
	a.Recommendations = datatypes.NewJSONType(o.Recommendations)
	a.ProcessingTimeMs = elapsed.Milliseconds()
	if err := s.db.Save(a).Error; err != nil {
		return fmt.Errorf("failed to complete analysis %d: %w", a.ID, err)
	}
	return nil
}

// Fail marks a as failed with cause.
func (s *Store) Fail(a *Analysis, cause error, elapsed time.Duration) error {
	if s == nil || a == nil {
		return nil
	}
	a.Status = StatusFailed
	a.Error = cause.Error()
	a.ProcessingTimeMs = elapsed.Milliseconds()
	if err := s.db.Save(a).Error; err != nil {
		return fmt.Errorf("failed to mark analysis %d failed: %w", a.ID, err)
	}
	return nil
}

// Get loads a single analysis.
func (s *Store) Get(id uint) (*Analysis, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	var a Analysis
	err := s.db.First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis %d: %w", id, err)
	}
	return &a, nil
}

// List returns one page of analyses, newest first, and the total count.
func (s *Store) List(page, limit int) ([]Analysis, int64, error) {
	if s == nil {
		return []Analysis{}, 0, nil
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	var total int64
	if err := s.db.Model(&Analysis{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count analyses: %w", err)
	}

	analyses := []Analysis{}
	err := s.db.Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&analyses).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list analyses: %w", err)
	}
	return analyses, total, nil
}

// DeleteOlderThan removes analyses created before cutoff.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res := s.db.Where("created_at < ?", cutoff).Delete(&Analysis{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old analyses: %w", res.Error)
	}
	return res.RowsAffected, nil
}
