package store

import (
	"time"

	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
)

// CreateTransaction inserts a new transaction.
func (t *Tx) CreateTransaction(txn *models.Transaction) error {
	return t.db.Create(txn).Error
}

// GetTransaction loads a transaction, optionally taking a row lock.
func (t *Tx) GetTransaction(id string, forUpdate bool) (*models.Transaction, error) {
	var txn models.Transaction
	if err := t.locking(forUpdate).First(&txn, "id = ?", id).Error; err != nil {
		return nil, notFound("get transaction", err, "transaction %s not found", id)
	}
	return &txn, nil
}

// FindTransactionByHash returns the transaction carrying hash and type.
func (t *Tx) FindTransactionByHash(hash string, typ models.TransactionType) (*models.Transaction, error) {
	var txn models.Transaction
	err := t.db.Where("hash = ? AND type = ?", hash, typ).First(&txn).Error
	if err != nil {
		return nil, notFound("find transaction", err, "%s transaction with hash %s not found", typ, hash)
	}
	return &txn, nil
}

// FindTransferOutside returns the settled outside-transfer record for a
// (hash, token) pair, or nil when none exists yet.
func (t *Tx) FindTransferOutside(hash, tokenID string) (*models.Transaction, error) {
	var rows []models.Transaction
	err := t.db.Where("hash = ? AND type = ?", hash, models.TxTransferOutside).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		for _, id := range rows[i].TokenIDs {
			if id == tokenID {
				return &rows[i], nil
			}
		}
	}
	return nil, nil
}

// TransitionTransaction moves a transaction between states, applying extra
// column updates in the same statement. The status guard makes concurrent
// transitions from the same state mutually exclusive.
func (t *Tx) TransitionTransaction(id string, from, to models.TransactionStatus, updates map[string]any) error {
	if err := models.ValidateTransactionTransition(from, to); err != nil {
		return serrors.Wrap(serrors.CodeInvalidTransition, "transition transaction", err)
	}
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := t.db.Model(&models.Transaction{}).Where("id = ? AND status = ?", id, from).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return serrors.New(serrors.CodeInvalidTransition, "transition transaction", "transaction %s is no longer %s", id, from)
	}
	return nil
}

// SetTransactionTokens stores the token ids assigned to a transaction.
func (t *Tx) SetTransactionTokens(id string, tokenIDs []string) error {
	return t.db.Model(&models.Transaction{ID: id}).Select("TokenIDs").Updates(&models.Transaction{TokenIDs: tokenIDs}).Error
}

// StampSynced records worker delivery on an already-settled transaction.
func (t *Tx) StampSynced(id string, at time.Time) error {
	return t.db.Model(&models.Transaction{}).
		Where("id = ? AND synced_at IS NULL", id).
		Update("synced_at", at).Error
}

// MarkReferralApplied flips the referral marker once. It reports false when
// another caller got there first.
func (t *Tx) MarkReferralApplied(id string, at time.Time) (bool, error) {
	res := t.db.Model(&models.Transaction{}).
		Where("id = ? AND referral_applied_at IS NULL", id).
		Update("referral_applied_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListProcessing returns processing transactions last touched before cutoff.
func (t *Tx) ListProcessing(cutoff time.Time, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	q := t.db.Where("status = ? AND updated_at <= ?", models.StatusProcessing, cutoff).Order("updated_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListUnattributed returns settled sales last touched before cutoff whose
// referral attribution never ran.
func (t *Tx) ListUnattributed(cutoff time.Time, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	q := t.db.Where("type = ? AND status = ? AND referral_applied_at IS NULL AND updated_at <= ?",
		models.TxMint, models.StatusSuccess, cutoff).Order("updated_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountAdminMintedTo counts successful admin mints of restricted items sent to
// address.
func (t *Tx) CountAdminMintedTo(address string, statuses ...models.TransactionStatus) (int64, error) {
	var n int64
	q := t.db.Model(&models.Transaction{}).
		Joins("JOIN inventories ON inventories.id = transactions.inventory_id").
		Where("transactions.type = ? AND transactions.to_address = ? AND inventories.restricted = ?", models.TxAdminMint, address, true)
	if len(statuses) > 0 {
		q = q.Where("transactions.status IN ?", statuses)
	}
	err := q.Count(&n).Error
	return n, err
}
