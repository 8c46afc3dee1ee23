package engine

import (
	"context"

	"github.com/shopspring/decimal"

	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/notify"
	"nftledger/services/settlementd/referral"
	"nftledger/services/settlementd/store"
)

// SettleBuy applies a confirmed purchase: category and event accounting,
// inventory reserved to minted, one owner record per token. Referral
// attribution and notifications follow the commit.
func (e *Engine) SettleBuy(ctx context.Context, c Confirmation) (*Result, error) {
	return e.settle(ctx, "buy", LockBuy, c.TransactionID, func(ctx context.Context, out *outbox) (*Result, error) {
		return e.settleTx(ctx, c, []models.TransactionType{models.TxMint}, func(tx *store.Tx, txn *models.Transaction) error {
			if txn.EventID == nil || txn.CategoryID == nil || txn.InventoryID == nil {
				return serrors.New(serrors.CodeDataError, "settle buy", "transaction %s has no event reference", txn.ID)
			}
			tokens, err := tokensFor(txn, c)
			if err != nil {
				return err
			}
			if err := tx.IncrementCategoryMinted(*txn.CategoryID, txn.Quantity); err != nil {
				return err
			}
			if err := tx.AddEventEarnings(*txn.EventID, txn.Revenue, txn.AdminEarning); err != nil {
				return err
			}
			event, err := tx.GetEvent(*txn.EventID, true)
			if err != nil {
				return err
			}
			if soldOut(event) && event.Status == models.EventLive {
				if err := tx.TransitionEvent(event.ID, models.EventLive, models.EventEnd, nil); err != nil {
					return err
				}
			}
			if err := e.mintUnits(tx, txn, tokens, c.Hash, store.InventoryDelta{Reserved: -txn.Quantity, Minted: txn.Quantity}, false); err != nil {
				return err
			}
			category, err := tx.GetCategory(*txn.CategoryID)
			if err != nil {
				return err
			}
			if err := e.refreshInventoryStatus(tx, *txn.InventoryID, category.ID, category.Remaining() == 0); err != nil {
				return err
			}

			out.referral = txn.ID
			out.add(notify.TemplatePurchaseSuccess, notify.Payload{
				"transactionId": txn.ID,
				"address":       txn.ToAddress,
				"eventName":     txn.Snapshot.EventName,
				"quantity":      txn.Quantity,
				"tokenIds":      tokens,
			})
			out.add(notify.TemplateAdminSale, notify.Payload{
				"transactionId": txn.ID,
				"buyer":         txn.ToAddress,
				"eventId":       event.ID,
				"revenue":       txn.Revenue.String(),
				"adminEarning":  txn.AdminEarning.String(),
			})
			return nil
		})
	})
}

// SettleAdminMint applies a confirmed admin mint: inventory available to
// minted and owner rows flagged as admin-minted. A restricted unit marks its
// recipient as grandfathered.
func (e *Engine) SettleAdminMint(ctx context.Context, c Confirmation) (*Result, error) {
	return e.settle(ctx, "admin-mint", LockAdminMint, c.TransactionID, func(ctx context.Context, out *outbox) (*Result, error) {
		return e.settleTx(ctx, c, []models.TransactionType{models.TxAdminMint}, func(tx *store.Tx, txn *models.Transaction) error {
			if txn.InventoryID == nil {
				return serrors.New(serrors.CodeDataError, "settle admin mint", "transaction %s has no inventory", txn.ID)
			}
			tokens, err := tokensFor(txn, c)
			if err != nil {
				return err
			}
			if err := e.mintUnits(tx, txn, tokens, c.Hash, store.InventoryDelta{Available: -txn.Quantity, Minted: txn.Quantity}, true); err != nil {
				return err
			}
			if err := e.refreshInventoryStatus(tx, *txn.InventoryID, "", false); err != nil {
				return err
			}
			if txn.Snapshot.Restricted {
				if user, err := tx.FindUser(txn.ToAddress); err != nil {
					return err
				} else if user != nil {
					if err := tx.UpdateUser(user.Address, map[string]any{"have_received_restricted_from_admin": true}); err != nil {
						return err
					}
					change, err := e.referral.EvaluatePromotion(tx, user.Address, referral.TriggerRestrictedIn)
					if err != nil {
						return err
					}
					if change != nil {
						out.tierChanges(change)
						if err := e.referral.RecomputeEquityShares(tx); err != nil {
							return err
						}
					}
				}
			}
			out.add(notify.TemplateAdminMintReceipt, notify.Payload{
				"transactionId": txn.ID,
				"address":       txn.ToAddress,
				"inventoryName": txn.Snapshot.InventoryName,
				"tokenIds":      tokens,
			})
			return nil
		})
	})
}

// SettleCancelEvent returns every unsold unit of the event's categories to
// the available pool and closes the event.
func (e *Engine) SettleCancelEvent(ctx context.Context, c Confirmation) (*Result, error) {
	return e.settle(ctx, "cancel-event", LockCancelEvent, c.TransactionID, func(ctx context.Context, out *outbox) (*Result, error) {
		return e.settleTx(ctx, c, []models.TransactionType{models.TxCancelEvent}, func(tx *store.Tx, txn *models.Transaction) error {
			if txn.EventID == nil {
				return serrors.New(serrors.CodeDataError, "settle cancel event", "transaction %s has no event", txn.ID)
			}
			event, err := tx.GetEvent(*txn.EventID, true)
			if err != nil {
				return err
			}
			updates := map[string]any{}
			if c.Hash != "" {
				updates["cancel_hash"] = c.Hash
			}
			if err := tx.TransitionEvent(event.ID, event.Status, models.EventCancel, updates); err != nil {
				return err
			}
			seen := map[string]bool{}
			for _, cat := range event.Categories {
				if unsold := cat.Remaining(); unsold > 0 {
					if err := tx.AdjustInventory(cat.InventoryID, store.InventoryDelta{Reserved: -unsold, Available: unsold}); err != nil {
						return err
					}
				}
				if seen[cat.InventoryID] {
					continue
				}
				seen[cat.InventoryID] = true
				if err := e.refreshInventoryStatus(tx, cat.InventoryID, "", true); err != nil {
					return err
				}
			}
			out.add(notify.TemplateEventCanceled, notify.Payload{
				"eventId":   event.ID,
				"eventName": event.Name,
				"address":   event.CreatorAddress,
			})
			return nil
		})
	})
}

// SettleDeposit credits the deposited amount to the account balance.
func (e *Engine) SettleDeposit(ctx context.Context, c Confirmation) (*Result, error) {
	return e.settle(ctx, "deposit", LockDeposit, c.TransactionID, func(ctx context.Context, out *outbox) (*Result, error) {
		return e.settleTx(ctx, c, []models.TransactionType{models.TxDeposit}, func(tx *store.Tx, txn *models.Transaction) error {
			if !txn.Amount.IsPositive() {
				return serrors.New(serrors.CodeDataError, "settle deposit", "transaction %s has no amount", txn.ID)
			}
			if _, err := tx.GetUser(txn.ToAddress, true); err != nil {
				return err
			}
			if err := tx.IncrementUser(txn.ToAddress, map[string]decimal.Decimal{"balance": txn.Amount}, nil); err != nil {
				return err
			}
			out.add(notify.TemplateDepositCredited, notify.Payload{
				"transactionId": txn.ID,
				"address":       txn.ToAddress,
				"amount":        txn.Amount.String(),
			})
			return nil
		})
	})
}

var adminActionTypes = []models.TransactionType{
	models.TxAdminSetting,
	models.TxAdminUpdate,
	models.TxAdminActivate,
	models.TxAdminDeactivate,
	models.TxAdminDelete,
}

// SettleAdminAction finalises the pending admin record mutation.
func (e *Engine) SettleAdminAction(ctx context.Context, c Confirmation) (*Result, error) {
	return e.settle(ctx, "admin-action", LockAdminAction, c.TransactionID, func(ctx context.Context, _ *outbox) (*Result, error) {
		return e.settleTx(ctx, c, adminActionTypes, func(tx *store.Tx, txn *models.Transaction) error {
			p := txn.AdminPayload
			if p == nil || p.Address == "" {
				return serrors.New(serrors.CodeDataError, "settle admin action", "transaction %s has no admin payload", txn.ID)
			}
			switch txn.Type {
			case models.TxAdminSetting, models.TxAdminActivate:
				return tx.UpdateUser(p.Address, map[string]any{"admin_status": models.AdminActive})
			case models.TxAdminUpdate:
				return tx.SetPermissions(p.Address, p.Permissions)
			case models.TxAdminDeactivate:
				return tx.UpdateUser(p.Address, map[string]any{"admin_status": models.AdminInactive})
			case models.TxAdminDelete:
				return tx.UpdateUser(p.Address, map[string]any{"admin_status": models.AdminInactive, "is_deleted": true})
			}
			return nil
		})
	})
}

// Recover is a transaction type the ledger knows but cannot settle.
func (e *Engine) Recover(_ context.Context, c Confirmation) (*Result, error) {
	return nil, serrors.New(serrors.CodeUnsupported, "settle recover", "recover transaction %s is not supported", c.TransactionID)
}

// MarkFailed moves an open transaction to Failed after the chain rejected it.
// No aggregate changes; pending admin records are rolled back.
func (e *Engine) MarkFailed(ctx context.Context, id, reason string) (*Result, error) {
	txn, err := e.store.Read(ctx).GetTransaction(id, false)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, "fail", lockTypeFor(txn.Type), id, func(ctx context.Context, _ *outbox) (*Result, error) {
		var res *Result
		err := e.store.InTx(ctx, func(tx *store.Tx) error {
			txn, err := tx.GetTransaction(id, true)
			if err != nil {
				return err
			}
			if txn.Status.Terminal() {
				res = &Result{TransactionID: txn.ID, Type: txn.Type, Status: txn.Status, AlreadyCompleted: true}
				return nil
			}
			if err := tx.TransitionTransaction(txn.ID, txn.Status, models.StatusFailed, map[string]any{"message": truncate(reason, 512)}); err != nil {
				return err
			}
			if txn.Type.IsAdminAction() {
				if err := rollbackAdmin(tx, txn); err != nil {
					return err
				}
			}
			res = &Result{TransactionID: txn.ID, Type: txn.Type, Status: models.StatusFailed}
			return nil
		})
		return res, err
	})
}

// mintUnits moves quantity through the inventory buckets and records one
// owner per token.
func (e *Engine) mintUnits(tx *store.Tx, txn *models.Transaction, tokens []string, hash string, delta store.InventoryDelta, byAdmin bool) error {
	if err := tx.SetTransactionTokens(txn.ID, tokens); err != nil {
		return err
	}
	if err := tx.AdjustInventory(*txn.InventoryID, delta); err != nil {
		return err
	}
	if err := tx.AppendTokenIDs(*txn.InventoryID, tokens); err != nil {
		return err
	}
	now := e.now().UTC()
	owners := make([]models.Owner, 0, len(tokens))
	for _, id := range tokens {
		owner := models.Owner{
			TokenID:       id,
			InventoryID:   *txn.InventoryID,
			Address:       txn.ToAddress,
			Status:        models.OwnerUnlocked,
			MintedByAdmin: byAdmin,
			MintedDate:    now,
			MintedValue:   txn.Snapshot.UnitPrice,
			MintedHash:    hash,
			EventID:       txn.EventID,
		}
		if owner.MintedHash == "" {
			owner.MintedHash = txn.HashValue()
		}
		owners = append(owners, owner)
	}
	return tx.CreateOwners(owners)
}

// refreshInventoryStatus derives the sale status from the buckets: nothing
// left at all is SoldOut; a closed category takes the item off sale unless
// another open category of a live event still offers it. closedCategory is
// empty when the whole event closed and is no longer live.
func (e *Engine) refreshInventoryStatus(tx *store.Tx, inventoryID, closedCategory string, categoryClosed bool) error {
	item, err := tx.GetInventory(inventoryID, true)
	if err != nil {
		return err
	}
	status := item.Status
	switch {
	case item.TotalAvailable == 0 && item.TotalReserved == 0:
		status = models.InventorySoldOut
	case categoryClosed:
		live, err := tx.CountOpenCategoriesFor(inventoryID, closedCategory)
		if err != nil {
			return err
		}
		if live == 0 {
			status = models.InventoryOffSale
		} else {
			status = models.InventoryOnSale
		}
	}
	if status == item.Status {
		return nil
	}
	return tx.SetInventoryStatus(inventoryID, status)
}

func soldOut(event *models.Event) bool {
	if len(event.Categories) == 0 {
		return false
	}
	for _, cat := range event.Categories {
		if cat.Remaining() > 0 {
			return false
		}
	}
	return true
}

// tokensFor picks the token ids for a mint: the confirmed ones when present,
// otherwise whatever was recorded at creation. The count must match.
func tokensFor(txn *models.Transaction, c Confirmation) ([]string, error) {
	tokens := c.TokenIDs
	if len(tokens) == 0 {
		tokens = txn.TokenIDs
	}
	if int64(len(tokens)) != txn.Quantity {
		return nil, serrors.New(serrors.CodeDataError, "settle", "transaction %s expects %d tokens, got %d", txn.ID, txn.Quantity, len(tokens))
	}
	seen := make(map[string]struct{}, len(tokens))
	for _, id := range tokens {
		if _, dup := seen[id]; dup || id == "" {
			return nil, serrors.New(serrors.CodeDataError, "settle", "transaction %s has invalid token id %q", txn.ID, id)
		}
		seen[id] = struct{}{}
	}
	return tokens, nil
}

// rollbackAdmin undoes the optimistic admin mutation recorded at creation.
func rollbackAdmin(tx *store.Tx, txn *models.Transaction) error {
	p := txn.AdminPayload
	if p == nil || p.Address == "" {
		return nil
	}
	switch txn.Type {
	case models.TxAdminSetting:
		if p.Created {
			return tx.UpdateUser(p.Address, map[string]any{"admin_status": models.AdminInactive, "is_deleted": true})
		}
		if err := tx.SetPermissions(p.Address, p.PrevPermissions); err != nil {
			return err
		}
		return tx.UpdateUser(p.Address, map[string]any{"admin_status": p.PrevStatus})
	case models.TxAdminUpdate:
		return tx.SetPermissions(p.Address, p.PrevPermissions)
	case models.TxAdminActivate, models.TxAdminDeactivate, models.TxAdminDelete:
		return tx.UpdateUser(p.Address, map[string]any{"admin_status": p.PrevStatus})
	}
	return nil
}

func lockTypeFor(t models.TransactionType) string {
	switch t {
	case models.TxMint:
		return LockBuy
	case models.TxAdminMint:
		return LockAdminMint
	case models.TxTransfer, models.TxTransferOutside:
		return LockTransfer
	case models.TxCancelEvent:
		return LockCancelEvent
	case models.TxDeposit:
		return LockDeposit
	case models.TxCreateRedemption, models.TxCancelRedemption, models.TxApproveRedemption:
		return LockRedemption
	}
	if t.IsAdminAction() {
		return LockAdminAction
	}
	return string(t)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
