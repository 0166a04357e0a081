package history

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stakeledger/native/rebase"
)

const (
	defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL"
	secondsPerYear     = 365 * 24 * 60 * 60
)

var (
	// ErrDSNRequired is returned when no database is configured.
	ErrDSNRequired = errors.New("history: dsn must be configured")
	// ErrNoRebases is returned by APR before the first accepted report.
	ErrNoRebases = errors.New("history: no accepted rebases")
)

// Rebase is one accepted oracle report. Amounts are decimal wei strings.
type Rebase struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID          string    `gorm:"index" json:"requestId"`
	ReportTimestamp    uint64    `gorm:"uniqueIndex" json:"reportTimestamp"`
	TimeElapsed        uint64    `json:"timeElapsed"`
	PreTotalShares     string    `json:"preTotalShares"`
	PreTotalValue      string    `json:"preTotalValue"`
	PostTotalShares    string    `json:"postTotalShares"`
	PostTotalValue     string    `json:"postTotalValue"`
	SharesMintedAsFees string    `json:"sharesMintedAsFees"`
	PreCLBalance       string    `json:"preClBalance"`
	PostCLBalance      string    `json:"postClBalance"`
	PreCLValidators    uint64    `json:"preClValidators"`
	PostCLValidators   uint64    `json:"postClValidators"`
	ValueLocked        string    `json:"valueLocked"`
	SharesBurnt        string    `json:"sharesBurnt"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Rejection is one rejected oracle report.
type Rejection struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID       string    `gorm:"index" json:"requestId"`
	ReportTimestamp uint64    `gorm:"index" json:"reportTimestamp"`
	Class           string    `gorm:"index" json:"class"`
	Kind            string    `json:"kind"`
	Error           string    `json:"error"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store records settlement outcomes for the indexer endpoints.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn. postgres:// URLs use the postgres driver; anything
// else is treated as a sqlite path or DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	case strings.HasPrefix(trimmed, "file:"):
		dialector = sqlite.Open(trimmed)
	default:
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return nil, fmt.Errorf("resolve history path: %w", err)
		}
		dialector = sqlite.Open(fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("history: database required")
	}
	if err := db.AutoMigrate(&Rebase{}, &Rejection{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordRebase stores an accepted report.
func (s *Store) RecordRebase(ctx context.Context, requestID string, r rebase.RebaseRecord) error {
	row := Rebase{
		ID:                 uuid.New(),
		RequestID:          requestID,
		ReportTimestamp:    r.ReportTimestamp,
		TimeElapsed:        r.TimeElapsed,
		PreTotalShares:     dec(r.PreTotalShares),
		PreTotalValue:      dec(r.PreTotalValue),
		PostTotalShares:    dec(r.PostTotalShares),
		PostTotalValue:     dec(r.PostTotalValue),
		SharesMintedAsFees: dec(r.SharesMintedAsFees),
		PreCLBalance:       dec(r.PreCLBalance),
		PostCLBalance:      dec(r.PostCLBalance),
		PreCLValidators:    r.PreCLValidators,
		PostCLValidators:   r.PostCLValidators,
		ValueLocked:        dec(r.ValueLocked),
		SharesBurnt:        dec(r.SharesBurnt),
		CreatedAt:          s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert rebase: %w", err)
	}
	return nil
}

// RecordRejection stores a rejected report with its classification.
func (s *Store) RecordRejection(ctx context.Context, requestID string, reportTimestamp uint64, err error) error {
	row := Rejection{
		ID:              uuid.New(),
		RequestID:       requestID,
		ReportTimestamp: reportTimestamp,
		Class:           string(rebase.Classify(err)),
		Kind:            rebase.Kind(err),
		Error:           err.Error(),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Rebases returns the most recent accepted reports, newest first.
func (s *Store) Rebases(ctx context.Context, limit int) ([]Rebase, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []Rebase
	if err := s.db.WithContext(ctx).Order("report_timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rebases: %w", err)
	}
	return rows, nil
}

// Rejections returns the most recent rejections, newest first.
func (s *Store) Rejections(ctx context.Context, limit int) ([]Rejection, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []Rejection
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	return rows, nil
}

// APR annualises the share rate change of the latest accepted report.
func (s *Store) APR(ctx context.Context) (float64, Rebase, error) {
	rows, err := s.Rebases(ctx, 1)
	if err != nil {
		return 0, Rebase{}, err
	}
	if len(rows) == 0 {
		return 0, Rebase{}, ErrNoRebases
	}
	apr, err := rows[0].APR()
	return apr, rows[0], err
}

// APR returns (postRate - preRate) / preRate scaled to a year.
func (r Rebase) APR() (float64, error) {
	if r.TimeElapsed == 0 {
		return 0, nil
	}
	preRate, err := rate(r.PreTotalValue, r.PreTotalShares)
	if err != nil {
		return 0, err
	}
	postRate, err := rate(r.PostTotalValue, r.PostTotalShares)
	if err != nil {
		return 0, err
	}
	if preRate.Sign() == 0 {
		return 0, nil
	}
	growth := new(big.Float).Quo(new(big.Float).Sub(postRate, preRate), preRate)
	growth.Mul(growth, big.NewFloat(float64(secondsPerYear)/float64(r.TimeElapsed)))
	out, _ := growth.Float64()
	return out, nil
}

func rate(value, shares string) (*big.Float, error) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("history: invalid value %q", value)
	}
	sh, ok := new(big.Int).SetString(shares, 10)
	if !ok {
		return nil, fmt.Errorf("history: invalid shares %q", shares)
	}
	if sh.Sign() == 0 {
		return new(big.Float), nil
	}
	return new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(sh)), nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
