// Package recon sweeps transactions stuck in Processing. Each run asks the
// chain about every transaction older than the grace period, settles or fails
// it through the engine, re-runs referral attribution for settled sales that
// never received it, and writes the outcome as CSV and Parquet reports.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nftledger/services/settlementd/engine"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/referral"
)

// Row actions.
const (
	ActionSettled    = "settled"
	ActionFailed     = "failed"
	ActionPending    = "pending"
	ActionTimedOut   = "timed_out"
	ActionAttributed = "attributed"
	ActionError      = "error"
)

const (
	defaultGrace     = 10 * time.Minute
	defaultTimeout   = 24 * time.Hour
	defaultBatchSize = 200
)

// Ledger is the subset of the engine the reconciler drives.
type Ledger interface {
	StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
	ConfirmProcessing(ctx context.Context, id string) (*engine.Result, error)
	MarkFailed(ctx context.Context, id, reason string) (*engine.Result, error)
	UnattributedSales(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
	ApplyReferral(ctx context.Context, id string) ([]referral.TierChange, error)
}

// Observer is told about every completed run.
type Observer interface {
	ReconRunObserved(outcome string, rows int)
}

// Config wires a Reconciler.
type Config struct {
	Ledger    Ledger
	Grace     time.Duration
	Timeout   time.Duration
	BatchSize int
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Observer  Observer
	Logger    *slog.Logger
}

// Reconciler resolves Processing transactions the confirmation jobs missed.
type Reconciler struct {
	ledger    Ledger
	grace     time.Duration
	timeout   time.Duration
	batchSize int
	outputDir string
	dryRun    bool
	now       func() time.Time
	observer  Observer
	logger    *slog.Logger
}

// RunOptions overrides per-run behaviour.
type RunOptions struct {
	DryRun bool
}

// ReportRow is one reconciled transaction.
type ReportRow struct {
	TransactionID string
	Type          models.TransactionType
	Hash          string
	Action        string
	StatusBefore  models.TransactionStatus
	StatusAfter   models.TransactionStatus
	UpdatedAt     time.Time
	Age           time.Duration
	Error         string
}

// Result summarises a run.
type Result struct {
	StartedAt   time.Time
	Rows        []*ReportRow
	Counts      map[string]int
	CSVPath     string
	ParquetPath string
}

// NewReconciler validates cfg and fills defaults.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("recon: ledger required")
	}
	if !cfg.DryRun && cfg.OutputDir == "" {
		return nil, fmt.Errorf("recon: output dir required")
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout < grace {
		timeout = grace
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:    cfg.Ledger,
		grace:     grace,
		timeout:   timeout,
		batchSize: batch,
		outputDir: cfg.OutputDir,
		dryRun:    cfg.DryRun,
		now:       now,
		observer:  cfg.Observer,
		logger:    logger,
	}, nil
}

// Run performs one sweep. Per-transaction failures become report rows; only
// listing or report-writing failures abort the run.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	started := r.now().UTC()
	dryRun := r.dryRun || opts.DryRun

	cutoff := started.Add(-r.grace)
	pending, err := r.ledger.StaleProcessing(ctx, cutoff, r.batchSize)
	if err != nil {
		r.observe("error", 0)
		return nil, fmt.Errorf("recon: list processing: %w", err)
	}

	result := &Result{StartedAt: started, Counts: make(map[string]int)}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := r.reconcile(ctx, &pending[i], started)
		result.Rows = append(result.Rows, row)
		result.Counts[row.Action]++
	}

	unattributed, err := r.ledger.UnattributedSales(ctx, cutoff, r.batchSize)
	if err != nil {
		r.observe("error", len(result.Rows))
		return nil, fmt.Errorf("recon: list unattributed sales: %w", err)
	}
	for i := range unattributed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := r.attribute(ctx, &unattributed[i], started)
		result.Rows = append(result.Rows, row)
		result.Counts[row.Action]++
	}

	if !dryRun && len(result.Rows) > 0 {
		if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
			r.observe("error", len(result.Rows))
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		base := filepath.Join(r.outputDir, "processing_"+started.Format("20060102T150405Z"))
		result.CSVPath = base + ".csv"
		if err := writeCSV(result.CSVPath, result.Rows); err != nil {
			r.observe("error", len(result.Rows))
			return nil, err
		}
		result.ParquetPath = base + ".parquet"
		if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
			r.observe("error", len(result.Rows))
			return nil, err
		}
	}

	r.logger.Info("recon run complete",
		slog.Int("scanned", len(result.Rows)),
		slog.Int("settled", result.Counts[ActionSettled]),
		slog.Int("failed", result.Counts[ActionFailed]+result.Counts[ActionTimedOut]),
		slog.Int("pending", result.Counts[ActionPending]),
		slog.Int("attributed", result.Counts[ActionAttributed]),
		slog.Int("errors", result.Counts[ActionError]),
		slog.String("csv", result.CSVPath))
	r.observe("ok", len(result.Rows))
	return result, nil
}

func newRow(txn *models.Transaction, now time.Time) *ReportRow {
	return &ReportRow{
		TransactionID: txn.ID,
		Type:          txn.Type,
		Hash:          txn.HashValue(),
		StatusBefore:  txn.Status,
		StatusAfter:   txn.Status,
		UpdatedAt:     txn.UpdatedAt.UTC(),
		Age:           now.Sub(txn.UpdatedAt),
	}
}

// attribute applies the referral effects of a settled sale. ApplyReferral is
// idempotent, so racing a queued referral job is harmless.
func (r *Reconciler) attribute(ctx context.Context, txn *models.Transaction, now time.Time) *ReportRow {
	row := newRow(txn, now)
	if _, err := r.ledger.ApplyReferral(ctx, txn.ID); err != nil {
		row.Action = ActionError
		row.Error = err.Error()
		r.logger.Warn("recon referral attribution failed",
			slog.String("transaction", txn.ID),
			slog.Any("error", err))
		return row
	}
	row.Action = ActionAttributed
	return row
}

func (r *Reconciler) reconcile(ctx context.Context, txn *models.Transaction, now time.Time) *ReportRow {
	row := newRow(txn, now)
	res, err := r.ledger.ConfirmProcessing(ctx, txn.ID)
	switch {
	case err == nil:
		row.StatusAfter = res.Status
		row.Action = ActionSettled
		if res.Status == models.StatusFailed {
			row.Action = ActionFailed
		}
		return row
	case engine.IsPending(err) && row.Age < r.timeout:
		row.Action = ActionPending
		return row
	case engine.IsPending(err):
		res, err = r.ledger.MarkFailed(ctx, txn.ID, "no chain receipt within "+r.timeout.String())
		if err == nil {
			row.Action = ActionTimedOut
			row.StatusAfter = res.Status
			return row
		}
	}
	row.Action = ActionError
	row.Error = err.Error()
	r.logger.Warn("recon transaction failed",
		slog.String("transaction", txn.ID),
		slog.String("hash", row.Hash),
		slog.Any("error", err))
	return row
}

func (r *Reconciler) observe(outcome string, rows int) {
	if r.observer != nil {
		r.observer.ReconRunObserved(outcome, rows)
	}
}

var csvHeader = []string{
	"transaction_id", "type", "hash", "action", "status_before", "status_after",
	"updated_at", "age_minutes", "error",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TransactionID,
			string(row.Type),
			row.Hash,
			row.Action,
			string(row.StatusBefore),
			string(row.StatusAfter),
			row.UpdatedAt.Format(time.RFC3339),
			strconv.FormatFloat(row.Age.Minutes(), 'f', 2, 64),
			row.Error,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TransactionID string  `parquet:"name=transaction_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Type          string  `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Hash          string  `parquet:"name=hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Action        string  `parquet:"name=action, type=UTF8, encoding=PLAIN_DICTIONARY"`
	StatusBefore  string  `parquet:"name=status_before, type=UTF8, encoding=PLAIN_DICTIONARY"`
	StatusAfter   string  `parquet:"name=status_after, type=UTF8, encoding=PLAIN_DICTIONARY"`
	UpdatedAt     string  `parquet:"name=updated_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	AgeMinutes    float64 `parquet:"name=age_minutes, type=DOUBLE"`
	Error         string  `parquet:"name=error, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			TransactionID: row.TransactionID,
			Type:          string(row.Type),
			Hash:          row.Hash,
			Action:        row.Action,
			StatusBefore:  string(row.StatusBefore),
			StatusAfter:   string(row.StatusAfter),
			UpdatedAt:     row.UpdatedAt.Format(time.RFC3339),
			AgeMinutes:    row.Age.Minutes(),
			Error:         row.Error,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
