// Package repository persists assessment decisions.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"

	"github.com/antinvestor/releasegate/internal/events"
)

// ErrDatabaseUnavailable is returned when the database connection is not available.
var ErrDatabaseUnavailable = errors.New("database connection is not available")

// ErrDecisionNotFound is returned when no decision matches.
var ErrDecisionNotFound = errors.New("decision not found")

// DecisionRecord is the stored form of a decision.
type DecisionRecord struct {
	RunID             string                           `json:"run_id"             gorm:"primaryKey;size:20"`
	Reference         string                           `json:"reference"          gorm:"index"`
	HeadSHA           string                           `json:"head_sha"`
	Verdict           string                           `json:"verdict"            gorm:"index"`
	Score             int                              `json:"score"`
	Escalate          bool                             `json:"escalate"`
	Confidence        float64                          `json:"confidence"`
	RetriesUsed       int                              `json:"retries_used"`
	Rationale         []string                         `json:"rationale"          gorm:"serializer:json"`
	Conditions        []string                         `json:"conditions"         gorm:"serializer:json"`
	EscalationReasons []string                         `json:"escalation_reasons" gorm:"serializer:json"`
	Methods           map[string]events.AnalysisMethod `json:"methods"            gorm:"serializer:json"`
	Factors           []events.RiskFactor              `json:"factors"            gorm:"serializer:json"`
	DecidedAt         time.Time                        `json:"decided_at"`
	CreatedAt         time.Time                        `json:"created_at"`
}

// TableName returns the table name for the DecisionRecord model.
func (DecisionRecord) TableName() string {
	return "decisions"
}

// StepRecord is the stored outcome of one step in a run.
type StepRecord struct {
	ID            uint     `json:"id"             gorm:"primaryKey"`
	RunID         string   `json:"run_id"         gorm:"index;size:20"`
	Step          string   `json:"step"`
	Method        string   `json:"method"`
	Confidence    float64  `json:"confidence"`
	FailureReason string   `json:"failure_reason"`
	Errors        []string `json:"errors"         gorm:"serializer:json"`
	DurationMS    int64    `json:"duration_ms"`
}

// TableName returns the table name for the StepRecord model.
func (StepRecord) TableName() string {
	return "decision_steps"
}

// DecisionRepository defines decision persistence.
type DecisionRepository interface {
	Save(ctx context.Context, decision *events.Decision, outputs []events.AgentOutput) error
	GetByRunID(ctx context.Context, runID string) (*events.Decision, error)
	ListByReference(ctx context.Context, reference string, limit int) ([]*events.Decision, error)
}

// NewDecisionRepository returns a PostgreSQL repository when a pool is
// available and an in-memory one otherwise.
func NewDecisionRepository(_ context.Context, p pool.Pool) DecisionRepository {
	if p != nil {
		return &PGDecisionRepository{pool: p}
	}
	return NewMemoryDecisionRepository()
}

// Migrate creates or updates the decision tables.
func Migrate(ctx context.Context, p pool.Pool) error {
	if p == nil {
		return ErrDatabaseUnavailable
	}
	if err := p.DB(ctx, false).AutoMigrate(&DecisionRecord{}, &StepRecord{}); err != nil {
		return fmt.Errorf("migrate decision tables: %w", err)
	}
	return nil
}

// PGDecisionRepository is the PostgreSQL implementation of DecisionRepository.
type PGDecisionRepository struct {
	pool pool.Pool
}

func (r *PGDecisionRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// Save stores the decision and its step outcomes in one transaction.
func (r *PGDecisionRepository) Save(ctx context.Context, decision *events.Decision, outputs []events.AgentOutput) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	record := ToRecord(decision)
	steps := ToStepRecords(decision.RunID.String(), outputs)

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("create decision: %w", err)
		}
		if len(steps) == 0 {
			return nil
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("create decision steps: %w", err)
		}
		return nil
	})
}

// GetByRunID retrieves a decision by run ID.
func (r *PGDecisionRepository) GetByRunID(ctx context.Context, runID string) (*events.Decision, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var record DecisionRecord
	if err := db.First(&record, "run_id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, runID)
		}
		return nil, err
	}
	return FromRecord(record)
}

// ListByReference lists the most recent decisions for a change request.
func (r *PGDecisionRepository) ListByReference(ctx context.Context, reference string, limit int) ([]*events.Decision, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var records []DecisionRecord
	err := db.Where("reference = ?", reference).
		Order("decided_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	decisions := make([]*events.Decision, 0, len(records))
	for _, rec := range records {
		d, convErr := FromRecord(rec)
		if convErr != nil {
			return nil, convErr
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// MemoryDecisionRepository keeps decisions in memory.
type MemoryDecisionRepository struct {
	mu        sync.RWMutex
	decisions map[string]DecisionRecord
	steps     map[string][]StepRecord
}

// NewMemoryDecisionRepository creates an empty in-memory repository.
func NewMemoryDecisionRepository() *MemoryDecisionRepository {
	return &MemoryDecisionRepository{
		decisions: make(map[string]DecisionRecord),
		steps:     make(map[string][]StepRecord),
	}
}

// Save implements DecisionRepository.
func (r *MemoryDecisionRepository) Save(_ context.Context, decision *events.Decision, outputs []events.AgentOutput) error {
	record := ToRecord(decision)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[record.RunID] = record
	r.steps[record.RunID] = ToStepRecords(record.RunID, outputs)
	return nil
}

// GetByRunID implements DecisionRepository.
func (r *MemoryDecisionRepository) GetByRunID(_ context.Context, runID string) (*events.Decision, error) {
	r.mu.RLock()
	record, ok := r.decisions[runID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, runID)
	}
	return FromRecord(record)
}

// ListByReference implements DecisionRepository.
func (r *MemoryDecisionRepository) ListByReference(_ context.Context, reference string, limit int) ([]*events.Decision, error) {
	r.mu.RLock()
	var records []DecisionRecord
	for _, rec := range r.decisions {
		if rec.Reference == reference {
			records = append(records, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].DecidedAt.After(records[j].DecidedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	decisions := make([]*events.Decision, 0, len(records))
	for _, rec := range records {
		d, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Steps returns the stored step outcomes of a run.
func (r *MemoryDecisionRepository) Steps(runID string) []StepRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.steps[runID]
}

// ToRecord converts a decision to its stored form.
func ToRecord(d *events.Decision) DecisionRecord {
	return DecisionRecord{
		RunID:             d.RunID.String(),
		Reference:         d.Reference,
		HeadSHA:           d.HeadSHA,
		Verdict:           string(d.Verdict),
		Score:             d.Score,
		Escalate:          d.Escalate,
		Confidence:        d.Confidence,
		RetriesUsed:       d.RetriesUsed,
		Rationale:         d.Rationale,
		Conditions:        d.Conditions,
		EscalationReasons: d.EscalationReasons,
		Methods:           d.Methods,
		Factors:           d.Factors,
		DecidedAt:         d.DecidedAt,
		CreatedAt:         time.Now(),
	}
}

// FromRecord converts a stored record back to a decision.
func FromRecord(rec DecisionRecord) (*events.Decision, error) {
	runID, err := events.ParseRunID(rec.RunID)
	if err != nil {
		return nil, err
	}
	return &events.Decision{
		RunID:             runID,
		Reference:         rec.Reference,
		HeadSHA:           rec.HeadSHA,
		Verdict:           events.Verdict(rec.Verdict),
		Score:             rec.Score,
		Rationale:         rec.Rationale,
		Conditions:        rec.Conditions,
		Escalate:          rec.Escalate,
		EscalationReasons: rec.EscalationReasons,
		Confidence:        rec.Confidence,
		RetriesUsed:       rec.RetriesUsed,
		Methods:           rec.Methods,
		Factors:           rec.Factors,
		DecidedAt:         rec.DecidedAt,
	}, nil
}

// ToStepRecords converts step outputs to their stored form.
func ToStepRecords(runID string, outputs []events.AgentOutput) []StepRecord {
	records := make([]StepRecord, 0, len(outputs))
	for _, out := range outputs {
		records = append(records, StepRecord{
			RunID:         runID,
			Step:          out.Step,
			Method:        string(out.Method),
			Confidence:    out.Confidence,
			FailureReason: string(out.FailureReason),
			Errors:        out.Errors,
			DurationMS:    out.Duration.Milliseconds(),
		})
	}
	return records
}
