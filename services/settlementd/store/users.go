package store

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"nftledger/services/settlementd/models"
)

// GetUser loads a participant by address.
func (t *Tx) GetUser(address string, forUpdate bool) (*models.User, error) {
	address = models.NormalizeAddress(address)
	var user models.User
	if err := t.locking(forUpdate).First(&user, "address = ?", address).Error; err != nil {
		return nil, notFound("get user", err, "user %s not found", address)
	}
	return &user, nil
}

// FindUser is GetUser that returns nil instead of a not-found error.
func (t *Tx) FindUser(address string) (*models.User, error) {
	var users []models.User
	err := t.db.Where("address = ?", models.NormalizeAddress(address)).Limit(1).Find(&users).Error
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

// CreateUser inserts a participant.
func (t *Tx) CreateUser(user *models.User) error {
	user.Address = models.NormalizeAddress(user.Address)
	return t.db.Create(user).Error
}

// UpdateUser applies column updates to a participant.
func (t *Tx) UpdateUser(address string, updates map[string]any) error {
	return t.db.Model(&models.User{}).Where("address = ?", models.NormalizeAddress(address)).Updates(updates).Error
}

// SetPermissions replaces an admin's permission list.
func (t *Tx) SetPermissions(address string, permissions []string) error {
	if permissions == nil {
		permissions = []string{}
	}
	return t.db.Model(&models.User{Address: models.NormalizeAddress(address)}).
		Select("Permissions").
		Updates(&models.User{Permissions: permissions}).Error
}

// IncrementUser adds decimal amounts to the named columns in one statement.
func (t *Tx) IncrementUser(address string, amounts map[string]decimal.Decimal, counters map[string]int64) error {
	updates := make(map[string]any, len(amounts)+len(counters))
	for col, v := range amounts {
		if v.IsZero() {
			continue
		}
		updates[col] = gorm.Expr(col+" + ?", v)
	}
	for col, v := range counters {
		if v == 0 {
			continue
		}
		updates[col] = gorm.Expr(col+" + ?", v)
	}
	if len(updates) == 0 {
		return nil
	}
	return t.UpdateUser(address, updates)
}

// InsertAncestors writes the closure rows for a newly registered participant.
// path is ordered from the root down to the direct referrer.
func (t *Tx) InsertAncestors(address string, path []string) error {
	if len(path) == 0 {
		return nil
	}
	rows := make([]models.UserAncestor, 0, len(path))
	for i, ancestor := range path {
		rows = append(rows, models.UserAncestor{
			Ancestor:   models.NormalizeAddress(ancestor),
			Descendant: models.NormalizeAddress(address),
			Depth:      len(path) - i,
		})
	}
	return t.db.Create(&rows).Error
}

// Descendants lists every participant below address.
func (t *Tx) Descendants(address string) ([]string, error) {
	var out []string
	err := t.db.Model(&models.UserAncestor{}).
		Where("ancestor = ?", models.NormalizeAddress(address)).
		Order("depth asc, descendant asc").
		Pluck("descendant", &out).Error
	return out, err
}

// ReparentDescendants points every live descendant of promoted whose
// originator is one of fromOriginators at promoted. It returns the number of
// rows changed.
func (t *Tx) ReparentDescendants(promoted string, fromOriginators []string) (int64, error) {
	promoted = models.NormalizeAddress(promoted)
	sub := t.db.Model(&models.UserAncestor{}).Select("descendant").Where("ancestor = ?", promoted)
	res := t.db.Model(&models.User{}).
		Where("address IN (?)", sub).
		Where("is_deleted = ?", false).
		Where("originator IN ?", fromOriginators).
		Update("originator", promoted)
	return res.RowsAffected, res.Error
}

// ReplaceOriginator repoints every participant whose originator is from.
func (t *Tx) ReplaceOriginator(from, to string) (int64, error) {
	res := t.db.Model(&models.User{}).
		Where("originator = ?", models.NormalizeAddress(from)).
		Update("originator", models.NormalizeAddress(to))
	return res.RowsAffected, res.Error
}

// ListBDAs returns every BDA participant.
func (t *Tx) ListBDAs() ([]models.User, error) {
	var rows []models.User
	err := t.db.Where("tier = ? AND is_deleted = ?", models.TierBDA, false).Order("address asc").Find(&rows).Error
	return rows, err
}
