package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"nftledger/services/settlementd/chain"
	"nftledger/services/settlementd/engine"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/referral"
)

type stubLedger struct {
	rows     []models.Transaction
	confirm  map[string]error
	statuses map[string]models.TransactionStatus
	failed   []string
	cutoff   time.Time

	unattributed []models.Transaction
	referralErr  map[string]error
	attributed   []string
}

func (s *stubLedger) StaleProcessing(_ context.Context, cutoff time.Time, _ int) ([]models.Transaction, error) {
	s.cutoff = cutoff
	return s.rows, nil
}

func (s *stubLedger) ConfirmProcessing(_ context.Context, id string) (*engine.Result, error) {
	if err := s.confirm[id]; err != nil {
		return nil, err
	}
	return &engine.Result{TransactionID: id, Status: s.statuses[id]}, nil
}

func (s *stubLedger) MarkFailed(_ context.Context, id, _ string) (*engine.Result, error) {
	s.failed = append(s.failed, id)
	return &engine.Result{TransactionID: id, Status: models.StatusFailed}, nil
}

func (s *stubLedger) UnattributedSales(_ context.Context, _ time.Time, _ int) ([]models.Transaction, error) {
	return s.unattributed, nil
}

func (s *stubLedger) ApplyReferral(_ context.Context, id string) ([]referral.TierChange, error) {
	if err := s.referralErr[id]; err != nil {
		return nil, err
	}
	s.attributed = append(s.attributed, id)
	return nil, nil
}

func processing(id string, updated time.Time) models.Transaction {
	hash := "0x" + id
	return models.Transaction{ID: id, Type: models.TxMint, Status: models.StatusProcessing, Hash: &hash, UpdatedAt: updated}
}

func settledSale(id string, updated time.Time) models.Transaction {
	txn := processing(id, updated)
	txn.Status = models.StatusSuccess
	return txn
}

func TestReconcilerResolvesProcessing(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := &stubLedger{
		rows: []models.Transaction{
			processing("settled", now.Add(-20*time.Minute)),
			processing("reverted", now.Add(-30*time.Minute)),
			processing("waiting", now.Add(-time.Hour)),
			processing("lost", now.Add(-48*time.Hour)),
			processing("broken", now.Add(-time.Hour)),
		},
		confirm: map[string]error{
			"waiting": chain.ErrReceiptNotFound,
			"lost":    chain.ErrReceiptNotFound,
			"broken":  errors.New("decode failure"),
		},
		statuses: map[string]models.TransactionStatus{
			"settled":  models.StatusSuccess,
			"reverted": models.StatusFailed,
		},
	}
	var observed []string
	dir := filepath.Join(t.TempDir(), "recon")
	r, err := NewReconciler(Config{
		Ledger:    ledger,
		Grace:     10 * time.Minute,
		Timeout:   24 * time.Hour,
		OutputDir: dir,
		Now:       func() time.Time { return now },
		Observer:  observerFunc(func(outcome string, _ int) { observed = append(observed, outcome) }),
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, now.Add(-10*time.Minute), ledger.cutoff)
	require.Len(t, res.Rows, 5)
	require.Equal(t, 1, res.Counts[ActionSettled])
	require.Equal(t, 1, res.Counts[ActionFailed])
	require.Equal(t, 1, res.Counts[ActionPending])
	require.Equal(t, 1, res.Counts[ActionTimedOut])
	require.Equal(t, 1, res.Counts[ActionError])
	require.Equal(t, []string{"lost"}, ledger.failed)
	require.Equal(t, []string{"ok"}, observed)

	f, err := os.Open(res.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, "lost", records[4][0])
	require.Equal(t, ActionTimedOut, records[4][3])
	require.Equal(t, string(models.StatusFailed), records[4][5])

	require.Equal(t, int64(5), parquetRows(t, res.ParquetPath))
}

func parquetRows(t *testing.T, path string) int64 {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	return pr.GetNumRows()
}

func TestWriteParquetRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.parquet")
	updated := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	rows := []*ReportRow{
		{TransactionID: "a", Type: models.TxMint, Hash: "0xa", Action: ActionSettled, StatusBefore: models.StatusProcessing, StatusAfter: models.StatusSuccess, UpdatedAt: updated, Age: time.Hour},
		{TransactionID: "b", Type: models.TxDeposit, Action: ActionError, StatusBefore: models.StatusProcessing, StatusAfter: models.StatusProcessing, UpdatedAt: updated, Error: "boom"},
	}
	require.NoError(t, writeParquet(path, rows))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())

	got := make([]parquetRow, 2)
	require.NoError(t, pr.Read(&got))
	require.Equal(t, "a", got[0].TransactionID)
	require.Equal(t, ActionSettled, got[0].Action)
	require.Equal(t, string(models.StatusSuccess), got[0].StatusAfter)
	require.InDelta(t, 60.0, got[0].AgeMinutes, 0.001)
	require.Equal(t, "boom", got[1].Error)
}

func TestReconcilerRecoversLostAttribution(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := &stubLedger{
		unattributed: []models.Transaction{
			settledSale("sale-1", now.Add(-time.Hour)),
			settledSale("sale-2", now.Add(-time.Hour)),
		},
		referralErr: map[string]error{"sale-2": errors.New("buyer missing")},
	}
	r, err := NewReconciler(Config{
		Ledger:    ledger,
		Grace:     10 * time.Minute,
		OutputDir: filepath.Join(t.TempDir(), "recon"),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"sale-1"}, ledger.attributed)
	require.Equal(t, 1, res.Counts[ActionAttributed])
	require.Equal(t, 1, res.Counts[ActionError])
	require.Equal(t, models.StatusSuccess, res.Rows[0].StatusAfter)
	require.Equal(t, "buyer missing", res.Rows[1].Error)
	require.Equal(t, int64(2), parquetRows(t, res.ParquetPath))
}

func TestReconcilerDryRunWritesNothing(t *testing.T) {
	now := time.Now().UTC()
	ledger := &stubLedger{
		rows:     []models.Transaction{processing("a", now.Add(-time.Hour))},
		statuses: map[string]models.TransactionStatus{"a": models.StatusSuccess},
	}
	dir := filepath.Join(t.TempDir(), "recon")
	r, err := NewReconciler(Config{Ledger: ledger, OutputDir: dir})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Empty(t, res.CSVPath)
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestNewReconcilerRequiresOutputDir(t *testing.T) {
	_, err := NewReconciler(Config{Ledger: &stubLedger{}})
	require.Error(t, err)
	_, err = NewReconciler(Config{Ledger: &stubLedger{}, DryRun: true})
	require.NoError(t, err)
}

type observerFunc func(outcome string, rows int)

func (f observerFunc) ReconRunObserved(outcome string, rows int) { f(outcome, rows) }
