// Package engine turns confirmed chain activity into ledger mutations. Every
// settlement runs under a fleet-wide lock keyed by action and resource, checks
// idempotency, and commits all aggregate changes in one unit of work. Referral
// attribution and notifications follow the commit and never roll it back.
package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"nftledger/services/settlementd/chain"
	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/jobs"
	"nftledger/services/settlementd/lock"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/notify"
	"nftledger/services/settlementd/referral"
	"nftledger/services/settlementd/store"
)

// Lock types. A settlement holds the lock for its action and resource id.
const (
	LockBuy         = "BuyNFT"
	LockAdminMint   = "AdminMintNFT"
	LockTransfer    = "TransferNFT"
	LockCancelEvent = "CancelEvent"
	LockDeposit     = "Deposit"
	LockAdminAction = "AdminAction"
	LockRedemption  = "Redemption"
	LockPermission  = "PermissionUpdate"
	LockRegister    = "RegisterUser"
	LockHash        = "SubmitHash"
)

// Job kinds handled by the engine.
const (
	JobConfirm  = "confirm-transaction"
	JobReferral = "apply-referral"
)

// Chain is the subset of the blockchain client the engine calls.
type Chain interface {
	Receipt(ctx context.Context, hash string) (*chain.Receipt, error)
	EventByHash(ctx context.Context, hash string) ([]chain.DecodedEvent, *chain.Receipt, error)
}

// JobQueue schedules deferred work.
type JobQueue interface {
	Register(kind string, h jobs.Handler)
	Enqueue(ctx context.Context, job jobs.Job, delay time.Duration, policy *jobs.RetryPolicy) error
}

// Observer receives settlement outcomes for metrics.
type Observer interface {
	SettlementObserved(kind string, outcome string, elapsed time.Duration)
}

// Settlement outcomes reported to the Observer.
const (
	OutcomeSettled  = "settled"
	OutcomeReplayed = "replayed"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

// Config wires an Engine. Store, Locks and Referral are required.
type Config struct {
	Store    *store.Store
	Locks    *lock.Manager
	Referral *referral.Engine
	Chain    Chain
	Jobs     JobQueue
	Notifier notify.Notifier
	Observer Observer
	Logger   *slog.Logger

	SignerKey         *ecdsa.PrivateKey
	LockingContract   string
	SystemAddress     string
	AdminAddress      string
	ConfirmationDelay time.Duration
	ReferralRetry     jobs.RetryPolicy
}

// Engine is the settlement state machine.
type Engine struct {
	store    *store.Store
	locks    *lock.Manager
	referral *referral.Engine
	chain    Chain
	jobs     JobQueue
	notifier notify.Notifier
	observer Observer
	logger   *slog.Logger

	signer            *ecdsa.PrivateKey
	lockingContract   string
	systemAddress     string
	adminAddress      string
	confirmationDelay time.Duration
	referralRetry     jobs.RetryPolicy

	now   func() time.Time
	newID func() string
}

// New constructs an Engine and registers its job handlers on cfg.Jobs.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Locks == nil || cfg.Referral == nil {
		return nil, fmt.Errorf("engine: store, locks and referral are required")
	}
	e := &Engine{
		store:             cfg.Store,
		locks:             cfg.Locks,
		referral:          cfg.Referral,
		chain:             cfg.Chain,
		jobs:              cfg.Jobs,
		notifier:          cfg.Notifier,
		observer:          cfg.Observer,
		logger:            cfg.Logger,
		signer:            cfg.SignerKey,
		lockingContract:   models.NormalizeAddress(cfg.LockingContract),
		systemAddress:     models.NormalizeAddress(cfg.SystemAddress),
		adminAddress:      models.NormalizeAddress(cfg.AdminAddress),
		confirmationDelay: cfg.ConfirmationDelay,
		referralRetry:     cfg.ReferralRetry,
		now:               time.Now,
		newID:             NewID,
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.confirmationDelay <= 0 {
		e.confirmationDelay = 2 * time.Minute
	}
	if e.referralRetry.MaxAttempts <= 0 {
		e.referralRetry = jobs.RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Second}
	}
	if e.jobs != nil {
		e.registerJobs()
	}
	return e, nil
}

// WithClock overrides the time source; intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// NewID returns a 32 character identifier that fits a bytes32 word.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Result is what a settlement reports back to its caller.
type Result struct {
	TransactionID    string
	Type             models.TransactionType
	Status           models.TransactionStatus
	AlreadyCompleted bool
	// Skipped is set when the delivery needs no ledger change at all.
	Skipped     bool
	TierChanges []referral.TierChange
}

// Confirmation carries a chain-confirmed transaction into a settle handler.
type Confirmation struct {
	TransactionID string
	Hash          string
	TokenIDs      []string
	// Account is the wallet the event names, when it names one. It must be a
	// party to the transaction.
	Account string
	// FromWorker is set when the event-listener worker delivered the
	// confirmation; only those deliveries stamp synced_at.
	FromWorker bool
}

// outbox collects side effects that must run after the commit.
type outbox struct {
	messages []notify.Message
	referral string
	changes  []referral.TierChange
}

func (o *outbox) add(templateID string, payload notify.Payload) {
	o.messages = append(o.messages, notify.Message{TemplateID: templateID, Payload: payload})
}

func (o *outbox) tierChanges(changes ...*referral.TierChange) {
	for _, c := range changes {
		if c != nil {
			o.changes = append(o.changes, *c)
		}
	}
}

// settle runs one settle handler under its lock, records metrics and flushes
// the outbox once the commit succeeded.
func (e *Engine) settle(ctx context.Context, kind, lockType, resourceID string, fn func(ctx context.Context, out *outbox) (*Result, error)) (*Result, error) {
	start := e.now()
	out := &outbox{}
	res, err := lock.WithLock(ctx, e.locks, lockType, resourceID, func(ctx context.Context) (*Result, error) {
		return fn(ctx, out)
	})
	outcome := OutcomeSettled
	switch {
	case err != nil:
		outcome = OutcomeError
	case res.AlreadyCompleted || res.Skipped:
		outcome = OutcomeReplayed
	case res.Status == models.StatusFailed:
		outcome = OutcomeFailed
	}
	if e.observer != nil {
		e.observer.SettlementObserved(kind, outcome, e.now().Sub(start))
	}
	if err != nil {
		e.logger.Warn("settlement failed",
			slog.String("kind", kind),
			slog.String("resource", resourceID),
			slog.String("code", string(serrors.CodeOf(err))),
			slog.Any("error", err))
		return nil, err
	}
	if res.AlreadyCompleted || res.Skipped {
		return res, nil
	}
	e.logger.Info("settlement committed",
		slog.String("kind", kind),
		slog.String("transaction", res.TransactionID),
		slog.String("status", string(res.Status)))

	res.TierChanges = append(res.TierChanges, out.changes...)
	e.flush(ctx, out)
	if out.referral != "" {
		res.TierChanges = append(res.TierChanges, e.scheduleReferral(ctx, out.referral)...)
	}
	return res, nil
}

func (e *Engine) flush(ctx context.Context, out *outbox) {
	for _, msg := range out.messages {
		e.notifier.Notify(ctx, msg.TemplateID, msg.Payload)
	}
	for _, change := range out.changes {
		e.notifyTierChange(ctx, change)
	}
}

func (e *Engine) notifyTierChange(ctx context.Context, change referral.TierChange) {
	template := notify.TemplateDemoted
	if change.Promoted() {
		template = notify.TemplatePromoted
		if change.Reason == referral.ReasonLegacyVolume {
			template = notify.TemplateRegainedBDA
		}
	}
	e.notifier.Notify(ctx, template, notify.Payload{
		"address": change.Address,
		"from":    string(change.From),
		"to":      string(change.To),
		"reason":  change.Reason,
	})
	e.notifier.Notify(ctx, notify.TemplateAdminTierChange, notify.Payload{
		"address": change.Address,
		"to":      string(change.To),
		"trigger": string(change.Trigger),
	})
}

// settleTx loads the transaction under a row lock and either short-circuits
// a replay or runs apply and marks the transaction settled, all in one unit of
// work. A replay only writes when a worker delivery still has to stamp
// synced_at.
func (e *Engine) settleTx(ctx context.Context, c Confirmation, types []models.TransactionType, apply func(tx *store.Tx, txn *models.Transaction) error) (*Result, error) {
	var res *Result
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		txn, err := tx.GetTransaction(c.TransactionID, true)
		if err != nil {
			return err
		}
		if txn.Status == models.StatusSuccess {
			if c.FromWorker && txn.SyncedAt == nil {
				if err := tx.StampSynced(txn.ID, e.now().UTC()); err != nil {
					return err
				}
			}
			res = &Result{TransactionID: txn.ID, Type: txn.Type, Status: txn.Status, AlreadyCompleted: true}
			return nil
		}
		if err := settleable(txn, types...); err != nil {
			return err
		}
		if acc := models.NormalizeAddress(c.Account); acc != "" && acc != txn.ToAddress && acc != txn.FromAddress {
			return serrors.New(serrors.CodeDataError, "settle", "event account %s is not a party to transaction %s", acc, txn.ID)
		}
		if err := apply(tx, txn); err != nil {
			return err
		}
		if err := e.markSuccess(tx, txn, c); err != nil {
			return err
		}
		res = &Result{TransactionID: txn.ID, Type: txn.Type, Status: models.StatusSuccess}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// markSuccess walks the transaction to Success. A worker may confirm a Draft
// whose hash was never submitted, so Draft passes through Processing.
func (e *Engine) markSuccess(tx *store.Tx, txn *models.Transaction, c Confirmation) error {
	from := txn.Status
	if from == models.StatusDraft {
		if err := tx.TransitionTransaction(txn.ID, models.StatusDraft, models.StatusProcessing, nil); err != nil {
			return err
		}
		from = models.StatusProcessing
	}
	return tx.TransitionTransaction(txn.ID, from, models.StatusSuccess, e.successUpdates(c))
}

// settleable reports whether txn may still settle as one of types.
func settleable(txn *models.Transaction, types ...models.TransactionType) error {
	ok := len(types) == 0
	for _, t := range types {
		if txn.Type == t {
			ok = true
		}
	}
	if !ok {
		return serrors.New(serrors.CodeValidation, "settle", "transaction %s has type %s", txn.ID, txn.Type)
	}
	if txn.Status != models.StatusDraft && txn.Status != models.StatusProcessing {
		return serrors.New(serrors.CodeInvalidTransition, "settle", "transaction %s is %s", txn.ID, txn.Status)
	}
	return nil
}

// successUpdates are the columns written when a transaction settles.
func (e *Engine) successUpdates(c Confirmation) map[string]any {
	updates := map[string]any{}
	if c.Hash != "" {
		updates["hash"] = strings.ToLower(c.Hash)
	}
	if c.FromWorker {
		updates["synced_at"] = e.now().UTC()
	}
	return updates
}

// isLockingContract reports whether addr is the staking/locking contract,
// whose transfers are custody moves rather than ownership changes.
func (e *Engine) isLockingContract(addr string) bool {
	return e.lockingContract != "" && models.NormalizeAddress(addr) == e.lockingContract
}

func isZeroAddress(addr string) bool {
	addr = models.NormalizeAddress(addr)
	return addr == "" || common.HexToAddress(addr) == (common.Address{})
}

func strPtr(s string) *string { return &s }
