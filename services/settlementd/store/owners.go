package store

import (
	"nftledger/services/settlementd/models"
)

// HeldStatuses are the owner statuses that count toward an address's
// holdings. A redeemed unit still counts: the owner keeps its claim.
var HeldStatuses = []models.OwnerStatus{models.OwnerUnlocked, models.OwnerLocked, models.OwnerRedeemed}

// CirculatingStatuses are the statuses of units still on chain. Restricted
// holdings only count these, so redeeming the last restricted unit empties
// them.
var CirculatingStatuses = []models.OwnerStatus{models.OwnerUnlocked, models.OwnerLocked}

// CreateOwners inserts one ownership record per minted token.
func (t *Tx) CreateOwners(owners []models.Owner) error {
	if len(owners) == 0 {
		return nil
	}
	return t.db.Create(&owners).Error
}

// GetOwner loads the ownership record for a token.
func (t *Tx) GetOwner(tokenID string, forUpdate bool) (*models.Owner, error) {
	var owner models.Owner
	if err := t.locking(forUpdate).First(&owner, "token_id = ?", tokenID).Error; err != nil {
		return nil, notFound("get owner", err, "token %s has no owner record", tokenID)
	}
	return &owner, nil
}

// UpdateOwner applies column updates to one ownership record.
func (t *Tx) UpdateOwner(tokenID string, updates map[string]any) error {
	return t.db.Model(&models.Owner{}).Where("token_id = ?", tokenID).Updates(updates).Error
}

// HoldingCounts summarises what an address currently holds.
type HoldingCounts struct {
	Total      int64
	Restricted int64
}

// CountHoldings counts held units for address. Total uses HeldStatuses,
// Restricted uses CirculatingStatuses.
func (t *Tx) CountHoldings(address string) (HoldingCounts, error) {
	var counts HoldingCounts
	if err := t.db.Model(&models.Owner{}).
		Where("address = ? AND status IN ?", address, HeldStatuses).
		Count(&counts.Total).Error; err != nil {
		return counts, err
	}
	err := t.db.Model(&models.Owner{}).
		Joins("JOIN inventories ON inventories.id = owners.inventory_id").
		Where("owners.address = ? AND owners.status IN ? AND inventories.restricted = ?", address, CirculatingStatuses, true).
		Count(&counts.Restricted).Error
	return counts, err
}
