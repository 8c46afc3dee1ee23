package engine

import (
	"context"
	"strings"

	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/notify"
	"nftledger/services/settlementd/referral"
	"nftledger/services/settlementd/store"
)

// TransferConfirmation is one token moving between wallets on chain.
type TransferConfirmation struct {
	Hash       string
	TokenID    string
	From       string
	To         string
	FromWorker bool
}

// SettleTransfer reassigns ownership of one token after an on-chain transfer.
// It is idempotent per (hash, token id). Moves into or out of the locking
// contract and mint transfers from the zero address change nothing.
func (e *Engine) SettleTransfer(ctx context.Context, c TransferConfirmation) (*Result, error) {
	c.From = models.NormalizeAddress(c.From)
	c.To = models.NormalizeAddress(c.To)
	c.Hash = strings.ToLower(strings.TrimSpace(c.Hash))
	if c.Hash == "" || c.TokenID == "" {
		return nil, serrors.New(serrors.CodeValidation, "settle transfer", "hash and token id required")
	}
	if e.isLockingContract(c.From) || e.isLockingContract(c.To) || isZeroAddress(c.From) {
		return &Result{Type: models.TxTransferOutside, Skipped: true}, nil
	}

	return e.settle(ctx, "transfer", LockTransfer, c.Hash+"-"+c.TokenID, func(ctx context.Context, out *outbox) (*Result, error) {
		var res *Result
		err := e.store.InTx(ctx, func(tx *store.Tx) error {
			existing, err := tx.FindTransferOutside(c.Hash, c.TokenID)
			if err != nil {
				return err
			}
			if existing != nil {
				if c.FromWorker && existing.SyncedAt == nil {
					if err := tx.StampSynced(existing.ID, e.now().UTC()); err != nil {
						return err
					}
				}
				res = &Result{TransactionID: existing.ID, Type: existing.Type, Status: existing.Status, AlreadyCompleted: true}
				return nil
			}

			owner, err := tx.GetOwner(c.TokenID, true)
			if err != nil {
				return err
			}
			if owner.Address != c.From {
				return serrors.New(serrors.CodeDataError, "settle transfer", "token %s is held by %s, not %s", c.TokenID, owner.Address, c.From)
			}
			if owner.Status != models.OwnerUnlocked {
				return serrors.New(serrors.CodeDataError, "settle transfer", "token %s is %s", c.TokenID, owner.Status)
			}
			item, err := tx.GetInventory(owner.InventoryID, false)
			if err != nil {
				return err
			}

			now := e.now().UTC()
			record := &models.Transaction{
				ID:          e.newID(),
				Type:        models.TxTransferOutside,
				Status:      models.StatusSuccess,
				Hash:        strPtr(c.Hash),
				FromAddress: c.From,
				ToAddress:   c.To,
				Quantity:    1,
				InventoryID: strPtr(item.ID),
				TokenIDs:    []string{c.TokenID},
				Snapshot:    models.Snapshot{InventoryName: item.Name, Restricted: item.Restricted},
			}
			if c.FromWorker {
				record.SyncedAt = &now
			}
			if err := tx.CreateTransaction(record); err != nil {
				return err
			}

			if isZeroAddress(c.To) {
				if err := tx.UpdateOwner(owner.TokenID, map[string]any{"status": models.OwnerBurned}); err != nil {
					return err
				}
				if err := tx.AdjustInventory(item.ID, store.InventoryDelta{Minted: -1, Burnt: 1}); err != nil {
					return err
				}
			} else if err := tx.UpdateOwner(owner.TokenID, map[string]any{"address": c.To, "is_transfer": true}); err != nil {
				return err
			}

			outTrigger, inTrigger := referral.TriggerTransferOut, referral.TriggerTransferIn
			if item.Restricted {
				outTrigger, inTrigger = referral.TriggerRestrictedOut, referral.TriggerRestrictedIn
			}
			demoted, err := e.referral.EvaluateDemotion(tx, c.From, outTrigger)
			if err != nil {
				return err
			}
			var promoted *referral.TierChange
			if !isZeroAddress(c.To) {
				if promoted, err = e.referral.EvaluatePromotion(tx, c.To, inTrigger); err != nil {
					return err
				}
			}
			if demoted != nil || promoted != nil {
				out.tierChanges(demoted, promoted)
				if err := e.referral.RecomputeEquityShares(tx); err != nil {
					return err
				}
			}

			payload := notify.Payload{
				"transactionId": record.ID,
				"tokenId":       c.TokenID,
				"from":          c.From,
				"to":            c.To,
				"inventoryName": item.Name,
			}
			out.add(notify.TemplateTransferOut, withAddress(payload, c.From))
			if !isZeroAddress(c.To) {
				out.add(notify.TemplateTransferIn, withAddress(payload, c.To))
			}
			res = &Result{TransactionID: record.ID, Type: record.Type, Status: record.Status}
			return nil
		})
		return res, err
	})
}

var redemptionTypes = []models.TransactionType{
	models.TxCreateRedemption,
	models.TxCancelRedemption,
	models.TxApproveRedemption,
}

// SettleRedemption applies one step of the redemption lifecycle: a submitted
// request locks the tokens, a cancel unlocks them, an approval redeems and
// burns them.
func (e *Engine) SettleRedemption(ctx context.Context, c Confirmation) (*Result, error) {
	return e.settle(ctx, "redemption", LockRedemption, c.TransactionID, func(ctx context.Context, out *outbox) (*Result, error) {
		return e.settleTx(ctx, c, redemptionTypes, func(tx *store.Tx, txn *models.Transaction) error {
			if len(txn.TokenIDs) == 0 {
				return serrors.New(serrors.CodeDataError, "settle redemption", "transaction %s has no tokens", txn.ID)
			}
			from, to := models.OwnerUnlocked, models.OwnerLocked
			switch txn.Type {
			case models.TxCancelRedemption:
				from, to = models.OwnerLocked, models.OwnerUnlocked
			case models.TxApproveRedemption:
				from, to = models.OwnerLocked, models.OwnerRedeemed
			}
			for _, id := range txn.TokenIDs {
				owner, err := tx.GetOwner(id, true)
				if err != nil {
					return err
				}
				if owner.Address != txn.FromAddress || owner.Status != from {
					return serrors.New(serrors.CodeDataError, "settle redemption", "token %s is %s held by %s", id, owner.Status, owner.Address)
				}
				if err := tx.UpdateOwner(id, map[string]any{"status": to}); err != nil {
					return err
				}
				if to == models.OwnerRedeemed {
					if err := tx.AdjustInventory(owner.InventoryID, store.InventoryDelta{Minted: -1, Burnt: 1}); err != nil {
						return err
					}
				}
			}
			if to == models.OwnerRedeemed {
				change, err := e.referral.EvaluateDemotion(tx, txn.FromAddress, referral.TriggerRedemption)
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
			payload := notify.Payload{
				"transactionId": txn.ID,
				"type":          string(txn.Type),
				"address":       txn.FromAddress,
				"tokenIds":      txn.TokenIDs,
			}
			out.add(notify.TemplateRedemption, payload)
			out.add(notify.TemplateAdminRedemption, payload)
			return nil
		})
	})
}

// SyncPermissions mirrors an on-chain role change onto the admin record.
func (e *Engine) SyncPermissions(ctx context.Context, account string, roles []string) error {
	account = models.NormalizeAddress(account)
	return e.locks.Do(ctx, LockPermission, account, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx *store.Tx) error {
			user, err := tx.GetUser(account, true)
			if err != nil {
				return err
			}
			if user.Role != models.RoleAdmin && user.Role != models.RoleSystem {
				return serrors.New(serrors.CodePermissionDenied, "sync permissions", "%s is not an admin", account)
			}
			return tx.SetPermissions(account, roles)
		})
	})
}

func withAddress(p notify.Payload, addr string) notify.Payload {
	out := make(notify.Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["address"] = addr
	return out
}
