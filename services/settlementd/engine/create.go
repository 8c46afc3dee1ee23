package engine

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"nftledger/services/settlementd/chain"
	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/lock"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/money"
	"nftledger/services/settlementd/store"
)

// weiPlaces is the decimal precision of on-chain amounts.
const weiPlaces = 18

// InventoryRequest describes a new collection item.
type InventoryRequest struct {
	Name       string
	Creator    string
	Restricted bool
	Supply     int64
}

// CreateInventory registers an item with its whole supply available.
func (e *Engine) CreateInventory(ctx context.Context, req InventoryRequest) (*models.Inventory, error) {
	if req.Supply <= 0 {
		return nil, serrors.New(serrors.CodeValidation, "create inventory", "supply must be positive")
	}
	item := &models.Inventory{
		ID:             e.newID(),
		Name:           strings.TrimSpace(req.Name),
		CreatorAddress: models.NormalizeAddress(req.Creator),
		Restricted:     req.Restricted,
		Status:         models.InventoryOffSale,
		TotalSupply:    req.Supply,
		TotalAvailable: req.Supply,
		TokenIDs:       []string{},
	}
	if err := e.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateInventory(item)
	}); err != nil {
		return nil, err
	}
	return item, nil
}

// RegisterUser adds a participant to the referral tree below referrer.
func (e *Engine) RegisterUser(ctx context.Context, address, referrer string) (*models.User, error) {
	address = models.NormalizeAddress(address)
	return lock.WithLock(ctx, e.locks, LockRegister, address, func(ctx context.Context) (*models.User, error) {
		var user *models.User
		err := e.store.InTx(ctx, func(tx *store.Tx) error {
			var err error
			user, err = e.referral.Register(tx, address, referrer)
			return err
		})
		return user, err
	})
}

// Bootstrap seeds the configured referral root and first admin when missing.
// It is safe to call on every start.
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		seeds := []models.User{
			{Address: e.systemAddress, Role: models.RoleSystem, Tier: models.TierCommon, PathID: []string{}},
			{Address: e.adminAddress, Role: models.RoleAdmin, Tier: models.TierCommon, AdminStatus: models.AdminActive, PathID: []string{}},
		}
		for i := range seeds {
			if strings.TrimSpace(seeds[i].Address) == "" {
				continue
			}
			existing, err := tx.FindUser(seeds[i].Address)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if err := tx.CreateUser(&seeds[i]); err != nil {
				return err
			}
			e.logger.Info("seeded user", slog.String("account", seeds[i].Address), slog.String("role", string(seeds[i].Role)))
		}
		return nil
	})
}

// CategoryRequest is one line of a new event.
type CategoryRequest struct {
	InventoryID     string
	QuantityForSale int64
	UnitPrice       decimal.Decimal
}

// EventRequest describes a new sale campaign.
type EventRequest struct {
	Name       string
	Creator    string
	Status     models.EventStatus
	StartDate  time.Time
	EndDate    time.Time
	Categories []CategoryRequest
}

// CreateEvent opens a campaign and reserves each category's quantity out of
// its item's available pool.
func (e *Engine) CreateEvent(ctx context.Context, req EventRequest) (*models.Event, error) {
	if req.Status == "" {
		req.Status = models.EventDraft
	}
	switch req.Status {
	case models.EventDraft, models.EventComingSoon, models.EventLive:
	default:
		return nil, serrors.New(serrors.CodeValidation, "create event", "cannot create an event in status %s", req.Status)
	}
	if len(req.Categories) == 0 {
		return nil, serrors.New(serrors.CodeValidation, "create event", "at least one category required")
	}
	if !req.EndDate.IsZero() && req.EndDate.Before(req.StartDate) {
		return nil, serrors.New(serrors.CodeValidation, "create event", "end date before start date")
	}
	event := &models.Event{
		ID:             e.newID(),
		Name:           strings.TrimSpace(req.Name),
		CreatorAddress: models.NormalizeAddress(req.Creator),
		Status:         req.Status,
		StartDate:      req.StartDate.UTC(),
		EndDate:        req.EndDate.UTC(),
	}
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		for _, c := range req.Categories {
			if c.QuantityForSale <= 0 || !money.IsPositive(c.UnitPrice) {
				return serrors.New(serrors.CodeValidation, "create event", "category for %s needs a positive quantity and price", c.InventoryID)
			}
			if _, err := tx.GetInventory(c.InventoryID, true); err != nil {
				return err
			}
			if err := tx.AdjustInventory(c.InventoryID, store.InventoryDelta{Available: -c.QuantityForSale, Reserved: c.QuantityForSale}); err != nil {
				return err
			}
			event.Categories = append(event.Categories, models.EventCategory{
				ID:              e.newID(),
				InventoryID:     c.InventoryID,
				QuantityForSale: c.QuantityForSale,
				UnitPrice:       c.UnitPrice,
			})
			if event.Status == models.EventLive {
				if err := tx.SetInventoryStatus(c.InventoryID, models.InventoryOnSale); err != nil {
					return err
				}
			}
		}
		return tx.CreateEvent(event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// UpdateEventStatus moves an event along its lifecycle. Going live puts the
// items on sale; ending releases whatever did not sell.
func (e *Engine) UpdateEventStatus(ctx context.Context, id string, to models.EventStatus) error {
	if to == models.EventCancel {
		return serrors.New(serrors.CodeValidation, "update event", "cancellation goes through a cancel-event transaction")
	}
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		event, err := tx.GetEvent(id, true)
		if err != nil {
			return err
		}
		if err := tx.TransitionEvent(event.ID, event.Status, to, nil); err != nil {
			return err
		}
		for _, cat := range event.Categories {
			switch to {
			case models.EventLive:
				if err := tx.SetInventoryStatus(cat.InventoryID, models.InventoryOnSale); err != nil {
					return err
				}
			case models.EventEnd:
				if unsold := cat.Remaining(); unsold > 0 {
					if err := tx.AdjustInventory(cat.InventoryID, store.InventoryDelta{Reserved: -unsold, Available: unsold}); err != nil {
						return err
					}
				}
				if err := e.refreshInventoryStatus(tx, cat.InventoryID, "", true); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// BuyRequest asks to purchase units from one event category.
type BuyRequest struct {
	EventID    string
	CategoryID string
	Buyer      string
	Quantity   int64
}

// CreateBuy prices a purchase, computes its commission legs and signs the
// mint payload the buyer submits on chain. The transaction starts in Draft.
func (e *Engine) CreateBuy(ctx context.Context, req BuyRequest) (*models.Transaction, error) {
	buyer := models.NormalizeAddress(req.Buyer)
	if req.Quantity <= 0 {
		return nil, serrors.New(serrors.CodeValidation, "create buy", "quantity must be positive")
	}
	var txn *models.Transaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		event, err := tx.GetEvent(req.EventID, false)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if event.Status != models.EventLive {
			return serrors.New(serrors.CodeValidation, "create buy", "event %s is %s", event.ID, event.Status)
		}
		if now.Before(event.StartDate) || (!event.EndDate.IsZero() && now.After(event.EndDate)) {
			return serrors.New(serrors.CodeValidation, "create buy", "event %s is outside its sale window", event.ID)
		}
		if buyer == event.CreatorAddress {
			return serrors.New(serrors.CodePermissionDenied, "create buy", "event creator cannot buy from own event")
		}
		var cat *models.EventCategory
		for i := range event.Categories {
			if event.Categories[i].ID == req.CategoryID {
				cat = &event.Categories[i]
			}
		}
		if cat == nil {
			return serrors.New(serrors.CodeNotFound, "create buy", "category %s not in event %s", req.CategoryID, event.ID)
		}
		if cat.Remaining() < req.Quantity {
			return serrors.New(serrors.CodeInsufficientQty, "create buy", "only %d units left, %d requested", cat.Remaining(), req.Quantity)
		}
		item, err := tx.GetInventory(cat.InventoryID, false)
		if err != nil {
			return err
		}
		revenue := money.Mul(cat.UnitPrice, req.Quantity)
		affiliate, err := e.referral.AffiliateFor(tx, buyer, revenue)
		if err != nil {
			return err
		}
		txn = &models.Transaction{
			ID:            e.newID(),
			Type:          models.TxMint,
			Status:        models.StatusDraft,
			FromAddress:   event.CreatorAddress,
			ToAddress:     buyer,
			Quantity:      req.Quantity,
			Revenue:       revenue,
			AdminEarning:  revenue.Sub(affiliate.TotalFees()),
			AffiliateInfo: affiliate,
			EventID:       strPtr(event.ID),
			CategoryID:    strPtr(cat.ID),
			InventoryID:   strPtr(item.ID),
			TokenIDs:      []string{},
			Snapshot: models.Snapshot{
				EventName:     event.Name,
				InventoryName: item.Name,
				UnitPrice:     cat.UnitPrice,
				Restricted:    item.Restricted,
			},
		}
		if err := e.signMint(txn, item.ID); err != nil {
			return err
		}
		return tx.CreateTransaction(txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AdminMintRequest asks to mint units straight to a receiver.
type AdminMintRequest struct {
	Actor       string
	InventoryID string
	Receiver    string
	Quantity    int64
}

// CreateAdminMint validates and signs an admin mint. Restricted units may
// only go to a BDA that has not already received one from an admin.
func (e *Engine) CreateAdminMint(ctx context.Context, req AdminMintRequest) (*models.Transaction, error) {
	receiver := models.NormalizeAddress(req.Receiver)
	if req.Quantity <= 0 {
		return nil, serrors.New(serrors.CodeValidation, "create admin mint", "quantity must be positive")
	}
	var txn *models.Transaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := requireAdmin(tx, req.Actor); err != nil {
			return err
		}
		item, err := tx.GetInventory(req.InventoryID, false)
		if err != nil {
			return err
		}
		if item.TotalAvailable < req.Quantity {
			return serrors.New(serrors.CodeInsufficientQty, "create admin mint", "only %d units available, %d requested", item.TotalAvailable, req.Quantity)
		}
		if item.Restricted {
			user, err := tx.FindUser(receiver)
			if err != nil {
				return err
			}
			if !user.IsBDA() {
				return serrors.New(serrors.CodeUserNotBDA, "create admin mint", "receiver %s is not a BDA", receiver)
			}
			n, err := tx.CountAdminMintedTo(receiver, models.StatusDraft, models.StatusProcessing, models.StatusSuccess)
			if err != nil {
				return err
			}
			if n > 0 {
				return serrors.New(serrors.CodeUserHadRestricted, "create admin mint", "receiver %s already holds an admin-minted restricted unit", receiver)
			}
		}
		txn = &models.Transaction{
			ID:          e.newID(),
			Type:        models.TxAdminMint,
			Status:      models.StatusDraft,
			FromAddress: models.NormalizeAddress(req.Actor),
			ToAddress:   receiver,
			Quantity:    req.Quantity,
			InventoryID: strPtr(item.ID),
			TokenIDs:    []string{},
			Snapshot:    models.Snapshot{InventoryName: item.Name, Restricted: item.Restricted},
		}
		if err := e.signMint(txn, item.ID); err != nil {
			return err
		}
		return tx.CreateTransaction(txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CreateCancelEvent opens the transaction an admin submits to cancel a
// campaign on chain.
func (e *Engine) CreateCancelEvent(ctx context.Context, eventID, actor string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := requireAdmin(tx, actor); err != nil {
			return err
		}
		event, err := tx.GetEvent(eventID, false)
		if err != nil {
			return err
		}
		if err := models.ValidateEventTransition(event.Status, models.EventCancel); err != nil {
			return serrors.Wrap(serrors.CodeInvalidTransition, "create cancel event", err)
		}
		txn = &models.Transaction{
			ID:          e.newID(),
			Type:        models.TxCancelEvent,
			Status:      models.StatusDraft,
			FromAddress: models.NormalizeAddress(actor),
			EventID:     strPtr(event.ID),
			TokenIDs:    []string{},
			Snapshot:    models.Snapshot{EventName: event.Name},
		}
		return tx.CreateTransaction(txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CreateDeposit opens a deposit of amount into account's balance.
func (e *Engine) CreateDeposit(ctx context.Context, account string, amount decimal.Decimal) (*models.Transaction, error) {
	if !money.IsPositive(amount) {
		return nil, serrors.New(serrors.CodeValidation, "create deposit", "amount must be positive")
	}
	account = models.NormalizeAddress(account)
	var txn *models.Transaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetUser(account, false); err != nil {
			return err
		}
		txn = &models.Transaction{
			ID:          e.newID(),
			Type:        models.TxDeposit,
			Status:      models.StatusDraft,
			FromAddress: account,
			ToAddress:   account,
			Amount:      amount,
			TokenIDs:    []string{},
		}
		return tx.CreateTransaction(txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AdminActionRequest describes a change to an admin record.
type AdminActionRequest struct {
	Type        models.TransactionType
	Actor       string
	Address     string
	Name        string
	Permissions []string
}

// CreateAdminAction applies the requested admin change optimistically as a
// pending record and opens the transaction that confirms it. Failure or
// cancellation restores the previous values kept in the payload.
func (e *Engine) CreateAdminAction(ctx context.Context, req AdminActionRequest) (*models.Transaction, error) {
	if !req.Type.IsAdminAction() {
		return nil, serrors.New(serrors.CodeValidation, "create admin action", "%s is not an admin action", req.Type)
	}
	target := models.NormalizeAddress(req.Address)
	if !common.IsHexAddress(target) {
		return nil, serrors.New(serrors.CodeValidation, "create admin action", "invalid address %q", req.Address)
	}
	var txn *models.Transaction
	err := e.locks.Do(ctx, LockAdminAction, target, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx *store.Tx) error {
			if err := requireAdmin(tx, req.Actor); err != nil {
				return err
			}
			user, err := tx.FindUser(target)
			if err != nil {
				return err
			}
			payload := &models.AdminPayload{Address: target, Name: req.Name, Permissions: req.Permissions}
			if req.Type == models.TxAdminSetting {
				if err := e.stageAdminSetting(tx, user, payload); err != nil {
					return err
				}
			} else {
				if user == nil || user.Role != models.RoleAdmin || user.IsDeleted {
					return serrors.New(serrors.CodeNotFound, "create admin action", "admin %s not found", target)
				}
				payload.PrevStatus = user.AdminStatus
				payload.PrevPermissions = user.Permissions
				if req.Type == models.TxAdminUpdate {
					if err := tx.SetPermissions(target, req.Permissions); err != nil {
						return err
					}
					if req.Name != "" {
						if err := tx.UpdateUser(target, map[string]any{"admin_name": req.Name}); err != nil {
							return err
						}
					}
				} else if err := tx.UpdateUser(target, map[string]any{"admin_status": models.AdminPending}); err != nil {
					return err
				}
			}
			txn = &models.Transaction{
				ID:           e.newID(),
				Type:         req.Type,
				Status:       models.StatusDraft,
				FromAddress:  models.NormalizeAddress(req.Actor),
				ToAddress:    target,
				TokenIDs:     []string{},
				AdminPayload: payload,
			}
			return tx.CreateTransaction(txn)
		})
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *Engine) stageAdminSetting(tx *store.Tx, user *models.User, payload *models.AdminPayload) error {
	if user == nil {
		payload.Created = true
		return tx.CreateUser(&models.User{
			Address:     payload.Address,
			Role:        models.RoleAdmin,
			Tier:        models.TierCommon,
			PathID:      []string{},
			AdminName:   payload.Name,
			Permissions: payload.Permissions,
			AdminStatus: models.AdminPending,
		})
	}
	if user.Role != models.RoleAdmin {
		return serrors.New(serrors.CodeValidation, "create admin action", "%s is a %s account", user.Address, user.Role)
	}
	payload.PrevStatus = user.AdminStatus
	payload.PrevPermissions = user.Permissions
	if err := tx.SetPermissions(user.Address, payload.Permissions); err != nil {
		return err
	}
	return tx.UpdateUser(user.Address, map[string]any{
		"admin_status": models.AdminPending,
		"admin_name":   payload.Name,
		"is_deleted":   false,
	})
}

// RedemptionRequest opens one redemption lifecycle step for tokens held by
// Owner.
type RedemptionRequest struct {
	Type     models.TransactionType
	Owner    string
	TokenIDs []string
}

// CreateRedemption validates token state for the requested step and opens the
// transaction.
func (e *Engine) CreateRedemption(ctx context.Context, req RedemptionRequest) (*models.Transaction, error) {
	want := models.OwnerLocked
	switch req.Type {
	case models.TxCreateRedemption:
		want = models.OwnerUnlocked
	case models.TxCancelRedemption, models.TxApproveRedemption:
	default:
		return nil, serrors.New(serrors.CodeValidation, "create redemption", "%s is not a redemption step", req.Type)
	}
	if len(req.TokenIDs) == 0 {
		return nil, serrors.New(serrors.CodeValidation, "create redemption", "token ids required")
	}
	owner := models.NormalizeAddress(req.Owner)
	var txn *models.Transaction
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		for _, id := range req.TokenIDs {
			rec, err := tx.GetOwner(id, false)
			if err != nil {
				return err
			}
			if rec.Address != owner {
				return serrors.New(serrors.CodePermissionDenied, "create redemption", "token %s is not held by %s", id, owner)
			}
			if rec.Status != want {
				return serrors.New(serrors.CodeValidation, "create redemption", "token %s is %s", id, rec.Status)
			}
		}
		txn = &models.Transaction{
			ID:          e.newID(),
			Type:        req.Type,
			Status:      models.StatusDraft,
			FromAddress: owner,
			Quantity:    int64(len(req.TokenIDs)),
			TokenIDs:    req.TokenIDs,
		}
		return tx.CreateTransaction(txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Cancel abandons a Draft transaction. Only its initiator may cancel it.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*Result, error) {
	actor = models.NormalizeAddress(actor)
	txn, err := e.store.Read(ctx).GetTransaction(id, false)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, "cancel", lockTypeFor(txn.Type), id, func(ctx context.Context, _ *outbox) (*Result, error) {
		var res *Result
		err := e.store.InTx(ctx, func(tx *store.Tx) error {
			txn, err := tx.GetTransaction(id, true)
			if err != nil {
				return err
			}
			if txn.Status != models.StatusDraft {
				return serrors.New(serrors.CodeInvalidTransition, "cancel", "transaction %s is %s", id, txn.Status)
			}
			if actor == "" || actor != initiator(txn) {
				return serrors.New(serrors.CodePermissionDenied, "cancel", "%s cannot cancel transaction %s", actor, id)
			}
			if err := tx.TransitionTransaction(txn.ID, txn.Status, models.StatusCancel, nil); err != nil {
				return err
			}
			if txn.Type.IsAdminAction() {
				if err := rollbackAdmin(tx, txn); err != nil {
					return err
				}
			}
			res = &Result{TransactionID: txn.ID, Type: txn.Type, Status: models.StatusCancel}
			return nil
		})
		return res, err
	})
}

// initiator is the participant who opened txn: the buyer of a sale, the
// credited account of a deposit, and the sender for every other type.
func initiator(txn *models.Transaction) string {
	switch txn.Type {
	case models.TxMint, models.TxDeposit:
		return txn.ToAddress
	}
	return txn.FromAddress
}

func requireAdmin(tx *store.Tx, actor string) error {
	user, err := tx.FindUser(actor)
	if err != nil {
		return err
	}
	if user == nil || user.IsDeleted || (user.Role != models.RoleAdmin && user.Role != models.RoleSystem) {
		return serrors.New(serrors.CodePermissionDenied, "authorize", "%s is not an admin", models.NormalizeAddress(actor))
	}
	if user.Role == models.RoleAdmin && user.AdminStatus != models.AdminActive {
		return serrors.New(serrors.CodePermissionDenied, "authorize", "admin %s is %s", user.Address, user.AdminStatus)
	}
	return nil
}

// signMint signs the payload the exchange contract verifies before minting:
// transaction id, receiver, item, quantity, price and both commission legs.
func (e *Engine) signMint(txn *models.Transaction, inventoryID string) error {
	if e.signer == nil {
		return serrors.New(serrors.CodeValidation, "sign", "no signing key configured")
	}
	txID, err := chain.IDToBytes32(txn.ID)
	if err != nil {
		return serrors.Wrap(serrors.CodeValidation, "sign", err)
	}
	itemID, err := chain.IDToBytes32(inventoryID)
	if err != nil {
		return serrors.Wrap(serrors.CodeValidation, "sign", err)
	}
	price, err := toWei(txn.Revenue)
	if err != nil {
		return err
	}
	referrerFee, err := toWei(txn.AffiliateInfo.ReferrerDirect.CommissionFee)
	if err != nil {
		return err
	}
	bdaFee, err := toWei(txn.AffiliateInfo.BDA.CommissionFee)
	if err != nil {
		return err
	}
	fields := []chain.Field{
		chain.Bytes32(txID),
		chain.Address(common.HexToAddress(txn.ToAddress)),
		chain.Bytes32(itemID),
		chain.Uint(uint64(txn.Quantity)),
		chain.Uint256(price),
		chain.Address(common.HexToAddress(txn.AffiliateInfo.ReferrerDirect.Address)),
		chain.Uint256(referrerFee),
		chain.Address(common.HexToAddress(txn.AffiliateInfo.BDA.Address)),
		chain.Uint256(bdaFee),
	}
	sig, err := chain.Sign(fields, e.signer)
	if err != nil {
		return err
	}
	txn.Signature = "0x" + hex.EncodeToString(sig)
	txn.Message = chain.PackedHash(fields...).Hex()
	return nil
}

func toWei(v decimal.Decimal) (*uint256.Int, error) {
	if v.IsNegative() {
		return nil, serrors.New(serrors.CodeValidation, "sign", "negative amount %s", v)
	}
	out, overflow := uint256.FromBig(v.Shift(weiPlaces).BigInt())
	if overflow {
		return nil, serrors.New(serrors.CodeValidation, "sign", "amount %s overflows uint256", v)
	}
	return out, nil
}
