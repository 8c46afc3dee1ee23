package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"nftledger/services/settlementd/chain"
	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/jobs"
	"nftledger/services/settlementd/lock"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/referral"
	"nftledger/services/settlementd/store"
)

type transactionJob struct {
	TransactionID string `json:"transactionId"`
}

func (e *Engine) registerJobs() {
	e.jobs.Register(JobConfirm, jobs.Handler{
		Run: func(ctx context.Context, job jobs.Job) error {
			var p transactionJob
			if err := job.Decode(&p); err != nil {
				return err
			}
			_, err := e.ConfirmProcessing(ctx, p.TransactionID)
			return err
		},
		OnFailure: func(_ context.Context, job jobs.Job, err error) {
			e.logger.Warn("confirmation polling gave up; reconciler will retry",
				slog.String("job", job.ID), slog.Any("error", err))
		},
	})
	e.jobs.Register(JobReferral, jobs.Handler{
		Run: func(ctx context.Context, job jobs.Job) error {
			var p transactionJob
			if err := job.Decode(&p); err != nil {
				return err
			}
			_, err := e.ApplyReferral(ctx, p.TransactionID)
			return err
		},
		OnFailure: func(_ context.Context, job jobs.Job, err error) {
			e.logger.Error("referral attribution failed", slog.String("job", job.ID), slog.Any("error", err))
		},
	})
}

// SubmitHash records the chain hash of a Draft transaction and moves it to
// Processing. A confirmation poll is scheduled after the configured delay.
// Resubmitting the same hash is a no-op.
func (e *Engine) SubmitHash(ctx context.Context, id, hash string) (*models.Transaction, error) {
	h, err := chain.ParseHash(hash)
	if err != nil {
		return nil, err
	}
	hash = strings.ToLower(h.Hex())
	txn, err := lock.WithLock(ctx, e.locks, LockHash, id, func(ctx context.Context) (*models.Transaction, error) {
		var txn *models.Transaction
		err := e.store.InTx(ctx, func(tx *store.Tx) error {
			var err error
			txn, err = tx.GetTransaction(id, true)
			if err != nil {
				return err
			}
			if txn.Status == models.StatusProcessing && txn.HashValue() == hash {
				return nil
			}
			if txn.Status != models.StatusDraft {
				return serrors.New(serrors.CodeInvalidTransition, "submit hash", "transaction %s is %s", id, txn.Status)
			}
			if err := tx.TransitionTransaction(id, models.StatusDraft, models.StatusProcessing, map[string]any{"hash": hash}); err != nil {
				return err
			}
			txn.Status = models.StatusProcessing
			txn.Hash = &hash
			return nil
		})
		return txn, err
	})
	if err != nil {
		return nil, err
	}
	if e.jobs != nil {
		payload, _ := json.Marshal(transactionJob{TransactionID: id})
		policy := &jobs.RetryPolicy{MaxAttempts: 5, Backoff: e.confirmationDelay}
		if err := e.jobs.Enqueue(ctx, jobs.Job{ID: JobConfirm + ":" + id, Kind: JobConfirm, Payload: payload}, e.confirmationDelay, policy); err != nil {
			e.logger.Warn("schedule confirmation failed", slog.String("transaction", id), slog.Any("error", err))
		}
	}
	return txn, nil
}

// ConfirmProcessing checks the chain for a Processing transaction. A reverted
// receipt fails it; a successful one is decoded and settled through the same
// handlers the worker uses, without stamping synced_at. A missing receipt is
// returned as chain.ErrReceiptNotFound so the caller can poll again.
func (e *Engine) ConfirmProcessing(ctx context.Context, id string) (*Result, error) {
	if e.chain == nil {
		return nil, serrors.New(serrors.CodeUnsupported, "confirm", "no chain client configured")
	}
	txn, err := e.store.Read(ctx).GetTransaction(id, false)
	if err != nil {
		return nil, err
	}
	if txn.Status.Terminal() {
		return &Result{TransactionID: txn.ID, Type: txn.Type, Status: txn.Status, AlreadyCompleted: true}, nil
	}
	hash := txn.HashValue()
	if hash == "" {
		return nil, serrors.New(serrors.CodeValidation, "confirm", "transaction %s has no hash", id)
	}
	if txn.Type == models.TxRecover {
		return e.Recover(ctx, Confirmation{TransactionID: id, Hash: hash})
	}

	receipt, err := e.chain.Receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !receipt.Status {
		return e.MarkFailed(ctx, id, "transaction reverted on chain")
	}
	decoded, _, err := e.chain.EventByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	for _, d := range decoded {
		if d.TransactionID != id {
			continue
		}
		ev, err := fromDecoded(d)
		if err != nil {
			return nil, err
		}
		return e.dispatch(ctx, ev, hash, false)
	}
	return nil, serrors.New(serrors.CodeDataError, "confirm", "hash %s carries no event for transaction %s", hash, id)
}

// IsPending reports whether err means the chain has not seen the hash yet.
func IsPending(err error) bool {
	return stderrors.Is(err, chain.ErrReceiptNotFound)
}

// scheduleReferral hands attribution of a settled sale to the job queue, or
// runs it inline when no queue is wired or enqueueing fails.
func (e *Engine) scheduleReferral(ctx context.Context, id string) []referral.TierChange {
	if e.jobs != nil {
		payload, _ := json.Marshal(transactionJob{TransactionID: id})
		err := e.jobs.Enqueue(ctx, jobs.Job{ID: JobReferral + ":" + id, Kind: JobReferral, Payload: payload}, 0, &e.referralRetry)
		if err == nil {
			return nil
		}
		e.logger.Warn("enqueue referral failed, applying inline", slog.String("transaction", id), slog.Any("error", err))
	}
	changes, err := e.ApplyReferral(ctx, id)
	if err != nil {
		e.logger.Error("referral attribution failed", slog.String("transaction", id), slog.Any("error", err))
		return nil
	}
	return changes
}

// ApplyReferral attributes a settled sale to the referral network once.
// Tier changes it causes are notified after its own commit.
func (e *Engine) ApplyReferral(ctx context.Context, id string) ([]referral.TierChange, error) {
	var outcome *referral.PurchaseOutcome
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		outcome, err = e.referral.ApplyPurchase(tx, id, e.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome.Skipped {
		return nil, nil
	}
	for _, change := range outcome.TierChanges {
		e.notifyTierChange(ctx, change)
	}
	e.logger.Info("referral applied",
		slog.String("transaction", id),
		slog.String("referrer", outcome.Referrer),
		slog.String("originator", outcome.Originator),
		slog.String("fees", outcome.Commission.TotalFees().String()),
		slog.Int("tierChanges", len(outcome.TierChanges)))
	return outcome.TierChanges, nil
}

// StaleProcessing lists Processing transactions untouched since cutoff.
func (e *Engine) StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	return e.store.Read(ctx).ListProcessing(cutoff, limit)
}

// Transaction loads one transaction for display.
func (e *Engine) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	return e.store.Read(ctx).GetTransaction(id, false)
}

// UnattributedSales lists settled sales whose referral attribution was lost,
// for example to a crash between the settlement commit and the job enqueue.
func (e *Engine) UnattributedSales(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	return e.store.Read(ctx).ListUnattributed(cutoff, limit)
}
