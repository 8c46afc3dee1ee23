// Package referral maintains the BDA network: commission legs for each sale,
// volume attribution up the tree, and tier promotion and demotion with the
// matching originator re-parenting.
package referral

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/money"
	"nftledger/services/settlementd/store"
)

// Trigger names the action that prompted a tier evaluation.
type Trigger string

const (
	TriggerPurchase      Trigger = "purchase"
	TriggerTransferIn    Trigger = "transfer-in"
	TriggerRestrictedIn  Trigger = "restricted-in"
	TriggerTransferOut   Trigger = "transfer-out"
	TriggerRestrictedOut Trigger = "restricted-out"
	TriggerRedemption    Trigger = "redemption"
)

// Reason values reported on a TierChange.
const (
	ReasonPersonalVolume = "personal-volume"
	ReasonLegacyVolume   = "legacy-volume"
	ReasonHoldingsGone   = "holdings-gone"
)

// TierChange records a promotion or demotion applied inside a unit of work.
type TierChange struct {
	Address    string
	From       models.Tier
	To         models.Tier
	Reason     string
	Trigger    Trigger
	Reparented int64
}

// Promoted reports whether the change moved the user up.
func (c TierChange) Promoted() bool { return c.To == models.TierBDA }

// Observer is told about tier changes; optional.
type Observer interface {
	TierChanged(from, to models.Tier)
}

// Config carries the commission split and promotion rules.
type Config struct {
	BDARatio         int64
	ReferrerRatio    int64
	Divisor          int64
	Threshold        decimal.Decimal
	MinDirectReferee int64
	Logger           *slog.Logger
	Observer         Observer
}

// Engine applies referral rules through a store.Tx supplied by the caller.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine validates cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Divisor <= 0 {
		cfg.Divisor = money.DefaultDivisor
	}
	if cfg.BDARatio < 0 || cfg.ReferrerRatio < 0 {
		return nil, fmt.Errorf("referral: ratios must not be negative")
	}
	if cfg.BDARatio+cfg.ReferrerRatio > cfg.Divisor {
		return nil, fmt.Errorf("referral: ratios %d+%d exceed divisor %d", cfg.BDARatio, cfg.ReferrerRatio, cfg.Divisor)
	}
	if !money.IsPositive(cfg.Threshold) {
		return nil, fmt.Errorf("referral: bda threshold must be positive")
	}
	if cfg.MinDirectReferee <= 0 {
		cfg.MinDirectReferee = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Split computes the two commission legs for revenue. The BDA leg is only
// populated when the originator currently holds BDA tier.
func (e *Engine) Split(revenue decimal.Decimal, referrer string, originator *models.User) models.AffiliateInfo {
	var info models.AffiliateInfo
	if referrer = models.NormalizeAddress(referrer); referrer != "" {
		info.ReferrerDirect = models.CommissionLeg{
			Address:       referrer,
			CommissionFee: money.Share(revenue, e.cfg.ReferrerRatio, e.cfg.Divisor),
			Percentage:    money.Percent(e.cfg.ReferrerRatio, e.cfg.Divisor),
		}
	}
	if originator.IsBDA() {
		info.BDA = models.CommissionLeg{
			Address:       originator.Address,
			CommissionFee: money.Share(revenue, e.cfg.BDARatio, e.cfg.Divisor),
			Percentage:    money.Percent(e.cfg.BDARatio, e.cfg.Divisor),
		}
	}
	return info
}

// AffiliateFor looks up buyer's upline and returns the commission legs.
func (e *Engine) AffiliateFor(tx *store.Tx, buyer string, revenue decimal.Decimal) (models.AffiliateInfo, error) {
	user, err := tx.GetUser(buyer, false)
	if err != nil {
		return models.AffiliateInfo{}, err
	}
	var originator *models.User
	if user.Originator != "" {
		originator, err = tx.FindUser(user.Originator)
		if err != nil {
			return models.AffiliateInfo{}, err
		}
	}
	return e.Split(revenue, user.Referrer, originator), nil
}

// Register adds a participant below referrer, writing the materialised path
// and closure rows. An empty referrer creates a root participant.
func (e *Engine) Register(tx *store.Tx, address, referrer string) (*models.User, error) {
	address = models.NormalizeAddress(address)
	if address == "" {
		return nil, serrors.New(serrors.CodeValidation, "register", "address required")
	}
	if existing, err := tx.FindUser(address); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, serrors.New(serrors.CodeValidation, "register", "user %s already registered", address)
	}
	user := &models.User{
		Address:     address,
		Role:        models.RoleUser,
		Tier:        models.TierCommon,
		PathID:      []string{},
		Permissions: []string{},
	}
	if referrer = models.NormalizeAddress(referrer); referrer != "" {
		if referrer == address {
			return nil, serrors.New(serrors.CodeValidation, "register", "user cannot refer itself")
		}
		parent, err := tx.GetUser(referrer, true)
		if err != nil {
			return nil, err
		}
		user.Referrer = parent.Address
		user.PathID = append(append([]string{}, parent.PathID...), parent.Address)
		if parent.IsBDA() || parent.Role == models.RoleSystem {
			user.Originator = parent.Address
		} else {
			user.Originator = parent.Originator
		}
		if err := tx.IncrementUser(parent.Address, nil, map[string]int64{"direct_referee": 1}); err != nil {
			return nil, err
		}
	}
	if err := tx.CreateUser(user); err != nil {
		return nil, err
	}
	if err := tx.InsertAncestors(user.Address, user.PathID); err != nil {
		return nil, err
	}
	return user, nil
}

// PurchaseOutcome summarises what ApplyPurchase changed.
type PurchaseOutcome struct {
	Skipped     bool
	Buyer       string
	Referrer    string
	Originator  string
	Commission  models.AffiliateInfo
	TierChanges []TierChange
}

// ApplyPurchase attributes a settled sale to the network: buyer volume,
// upline personal volume, commissions and promotions. It is idempotent per
// transaction through the referral marker.
func (e *Engine) ApplyPurchase(tx *store.Tx, transactionID string, now time.Time) (*PurchaseOutcome, error) {
	txn, err := tx.GetTransaction(transactionID, true)
	if err != nil {
		return nil, err
	}
	if txn.Type != models.TxMint || txn.Status != models.StatusSuccess {
		return nil, serrors.New(serrors.CodeValidation, "apply purchase", "transaction %s is %s/%s", txn.ID, txn.Type, txn.Status)
	}
	applied, err := tx.MarkReferralApplied(txn.ID, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &PurchaseOutcome{Skipped: true}, nil
	}

	buyer, err := tx.GetUser(txn.ToAddress, true)
	if err != nil {
		return nil, err
	}
	out := &PurchaseOutcome{Buyer: buyer.Address, Referrer: buyer.Referrer, Originator: buyer.Originator, Commission: txn.AffiliateInfo}
	revenue := txn.Revenue

	if err := tx.IncrementUser(buyer.Address, map[string]decimal.Decimal{"volume": revenue}, nil); err != nil {
		return nil, err
	}
	if buyer.Referrer != "" {
		amounts := map[string]decimal.Decimal{
			"personal_volume":     revenue,
			"old_personal_volume": revenue,
		}
		if leg := txn.AffiliateInfo.ReferrerDirect; leg.Address == buyer.Referrer {
			amounts["commission"] = leg.CommissionFee
		}
		if err := tx.IncrementUser(buyer.Referrer, amounts, map[string]int64{"personal_token_sold": txn.Quantity}); err != nil {
			return nil, err
		}
	}
	if leg := txn.AffiliateInfo.BDA; leg.Address != "" {
		amounts := map[string]decimal.Decimal{"commission": leg.CommissionFee}
		if leg.Address != buyer.Referrer {
			amounts["personal_volume"] = revenue
		}
		if err := tx.IncrementUser(leg.Address, amounts, nil); err != nil {
			return nil, err
		}
	}

	for _, addr := range []string{buyer.Referrer, buyer.Address} {
		if addr == "" {
			continue
		}
		change, err := e.EvaluatePromotion(tx, addr, TriggerPurchase)
		if err != nil {
			return nil, err
		}
		if change != nil {
			out.TierChanges = append(out.TierChanges, *change)
		}
	}
	if err := e.RecomputeEquityShares(tx); err != nil {
		return nil, err
	}
	return out, nil
}

// EvaluatePromotion promotes a Common participant that holds at least one
// unit and whose volume crosses the threshold. Grandfathered participants
// (those that received a restricted unit from an admin) only qualify on
// legacy volume when the trigger is the receipt of a restricted unit.
func (e *Engine) EvaluatePromotion(tx *store.Tx, address string, trigger Trigger) (*TierChange, error) {
	user, err := tx.FindUser(address)
	if err != nil || user == nil {
		return nil, err
	}
	if user.Tier != models.TierCommon || user.Role != models.RoleUser || user.IsDeleted {
		return nil, nil
	}
	holdings, err := tx.CountHoldings(user.Address)
	if err != nil {
		return nil, err
	}
	if holdings.Total == 0 {
		return nil, nil
	}
	personalOK := money.AtLeast(user.PersonalVolume, e.cfg.Threshold)
	legacyOK := money.AtLeast(user.OldPersonalVolume, e.cfg.Threshold)
	if trigger != TriggerRestrictedIn && user.HaveReceivedRestrictedFromAdmin {
		legacyOK = false
	}
	if !personalOK && !legacyOK {
		return nil, nil
	}

	updates := map[string]any{"tier": models.TierBDA}
	reason := ReasonLegacyVolume
	if personalOK {
		reason = ReasonPersonalVolume
		updates["have_received_restricted_from_admin"] = false
	}
	if err := tx.UpdateUser(user.Address, updates); err != nil {
		return nil, err
	}
	from := append([]string{""}, user.PathID...)
	moved, err := tx.ReparentDescendants(user.Address, from)
	if err != nil {
		return nil, err
	}
	change := &TierChange{
		Address:    user.Address,
		From:       models.TierCommon,
		To:         models.TierBDA,
		Reason:     reason,
		Trigger:    trigger,
		Reparented: moved,
	}
	e.record(change)
	return change, nil
}

// EvaluateDemotion runs after a unit has left address. A BDA loses its tier
// when the action emptied its qualifying holdings, unless its own volume and
// direct referees still qualify it.
func (e *Engine) EvaluateDemotion(tx *store.Tx, address string, trigger Trigger) (*TierChange, error) {
	user, err := tx.FindUser(address)
	if err != nil || user == nil {
		return nil, err
	}
	if !user.IsBDA() || user.Role != models.RoleUser || user.IsDeleted {
		return nil, nil
	}
	holdings, err := tx.CountHoldings(user.Address)
	if err != nil {
		return nil, err
	}
	lost := false
	if user.HaveReceivedRestrictedFromAdmin {
		switch trigger {
		case TriggerRedemption, TriggerRestrictedOut:
			lost = holdings.Restricted == 0
		case TriggerTransferOut:
			lost = holdings.Total == 0
		}
	} else {
		switch trigger {
		case TriggerTransferOut, TriggerRestrictedOut:
			lost = holdings.Total == 0
		}
	}
	if !lost {
		return nil, nil
	}
	if money.AtLeast(user.PersonalVolume, e.cfg.Threshold) && user.DirectReferee >= e.cfg.MinDirectReferee {
		return nil, nil
	}

	if err := tx.UpdateUser(user.Address, map[string]any{
		"tier":            models.TierCommon,
		"personal_volume": decimal.Zero,
		"equity_share":    decimal.Zero,
	}); err != nil {
		return nil, err
	}
	moved, err := tx.ReplaceOriginator(user.Address, user.Originator)
	if err != nil {
		return nil, err
	}
	change := &TierChange{
		Address:    user.Address,
		From:       models.TierBDA,
		To:         models.TierCommon,
		Reason:     ReasonHoldingsGone,
		Trigger:    trigger,
		Reparented: moved,
	}
	e.record(change)
	return change, nil
}

// RecomputeEquityShares splits equity across BDAs with enough direct
// referees in proportion to their personal volume. Everyone else holds zero.
func (e *Engine) RecomputeEquityShares(tx *store.Tx) error {
	bdas, err := tx.ListBDAs()
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, u := range bdas {
		if u.DirectReferee >= e.cfg.MinDirectReferee {
			total = total.Add(u.PersonalVolume)
		}
	}
	for _, u := range bdas {
		share := decimal.Zero
		if u.DirectReferee >= e.cfg.MinDirectReferee && total.Sign() > 0 {
			share = u.PersonalVolume.DivRound(total, 10)
		}
		if share.Equal(u.EquityShare) {
			continue
		}
		if err := tx.UpdateUser(u.Address, map[string]any{"equity_share": share}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) record(change *TierChange) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.TierChanged(change.From, change.To)
	}
	e.logger.Info("tier changed",
		slog.String("address", change.Address),
		slog.String("from", string(change.From)),
		slog.String("to", string(change.To)),
		slog.String("reason", change.Reason),
		slog.String("trigger", string(change.Trigger)),
		slog.Int64("reparented", change.Reparented))
}
