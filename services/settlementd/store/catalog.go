package store

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
)

// CreateEvent inserts an event together with its categories.
func (t *Tx) CreateEvent(event *models.Event) error {
	if err := t.db.Create(event).Error; err != nil {
		return err
	}
	for i := range event.Categories {
		event.Categories[i].EventID = event.ID
	}
	if len(event.Categories) == 0 {
		return nil
	}
	return t.db.Create(&event.Categories).Error
}

// GetEvent loads an event and its categories.
func (t *Tx) GetEvent(id string, forUpdate bool) (*models.Event, error) {
	var event models.Event
	if err := t.locking(forUpdate).First(&event, "id = ?", id).Error; err != nil {
		return nil, notFound("get event", err, "event %s not found", id)
	}
	if err := t.db.Where("event_id = ?", id).Order("id asc").Find(&event.Categories).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// GetCategory loads one event category.
func (t *Tx) GetCategory(id string) (*models.EventCategory, error) {
	var cat models.EventCategory
	if err := t.db.First(&cat, "id = ?", id).Error; err != nil {
		return nil, notFound("get category", err, "category %s not found", id)
	}
	return &cat, nil
}

// IncrementCategoryMinted atomically adds qty to a category's minted count.
// The guard keeps total_minted <= quantity_for_sale; a request that would
// overflow affects no row and reports InsufficientQuantity.
func (t *Tx) IncrementCategoryMinted(categoryID string, qty int64) error {
	res := t.db.Model(&models.EventCategory{}).
		Where("id = ? AND total_minted + ? <= quantity_for_sale", categoryID, qty).
		Update("total_minted", gorm.Expr("total_minted + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return serrors.New(serrors.CodeInsufficientQty, "increment category", "category %s cannot absorb %d more units", categoryID, qty)
	}
	return nil
}

// AddEventEarnings increments revenue and admin earnings in place.
func (t *Tx) AddEventEarnings(eventID string, revenue, adminEarning decimal.Decimal) error {
	return t.db.Model(&models.Event{}).Where("id = ?", eventID).Updates(map[string]any{
		"total_revenue":  gorm.Expr("total_revenue + ?", revenue),
		"admin_earnings": gorm.Expr("admin_earnings + ?", adminEarning),
	}).Error
}

// TransitionEvent changes an event's status when the lifecycle allows it.
func (t *Tx) TransitionEvent(id string, from, to models.EventStatus, updates map[string]any) error {
	if err := models.ValidateEventTransition(from, to); err != nil {
		return serrors.Wrap(serrors.CodeInvalidTransition, "transition event", err)
	}
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := t.db.Model(&models.Event{}).Where("id = ? AND status = ?", id, from).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return serrors.New(serrors.CodeInvalidTransition, "transition event", "event %s is no longer %s", id, from)
	}
	return nil
}

// CountOpenCategoriesFor counts categories of live events, other than
// excludeCategory, that still have the inventory item for sale. Categories of
// the same event count too.
func (t *Tx) CountOpenCategoriesFor(inventoryID, excludeCategory string) (int64, error) {
	var n int64
	err := t.db.Model(&models.EventCategory{}).
		Joins("JOIN events ON events.id = event_categories.event_id").
		Where("event_categories.inventory_id = ? AND events.status = ? AND event_categories.id <> ?", inventoryID, models.EventLive, excludeCategory).
		Where("event_categories.total_minted < event_categories.quantity_for_sale").
		Count(&n).Error
	return n, err
}

// ListEventsByStatus returns events in status.
func (t *Tx) ListEventsByStatus(status models.EventStatus) ([]models.Event, error) {
	var rows []models.Event
	err := t.db.Where("status = ?", status).Order("start_date asc").Find(&rows).Error
	return rows, err
}

// CreateInventory inserts a new item.
func (t *Tx) CreateInventory(item *models.Inventory) error {
	return t.db.Create(item).Error
}

// GetInventory loads an item.
func (t *Tx) GetInventory(id string, forUpdate bool) (*models.Inventory, error) {
	var item models.Inventory
	if err := t.locking(forUpdate).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound("get inventory", err, "inventory %s not found", id)
	}
	return &item, nil
}

// InventoryDelta moves units between the supply buckets. Fields are signed
// deltas; supply itself never changes.
type InventoryDelta struct {
	Available int64
	Reserved  int64
	Minted    int64
	Burnt     int64
}

func (d InventoryDelta) sum() int64 { return d.Available + d.Reserved + d.Minted + d.Burnt }

// AdjustInventory applies d with atomic increments. Buckets may not go
// negative and the delta must net to zero so supply stays conserved.
func (t *Tx) AdjustInventory(id string, d InventoryDelta) error {
	if d.sum() != 0 {
		return fmt.Errorf("adjust inventory: delta %+v does not conserve supply", d)
	}
	updates := map[string]any{}
	q := t.db.Model(&models.Inventory{}).Where("id = ?", id)
	for col, delta := range map[string]int64{
		"total_available": d.Available,
		"total_reserved":  d.Reserved,
		"total_minted":    d.Minted,
		"total_burnt":     d.Burnt,
	} {
		if delta == 0 {
			continue
		}
		updates[col] = gorm.Expr(col+" + ?", delta)
		if delta < 0 {
			q = q.Where(col+" + ? >= 0", delta)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return serrors.New(serrors.CodeInsufficientQty, "adjust inventory", "inventory %s cannot apply %+v", id, d)
	}
	return nil
}

// AppendTokenIDs records newly minted token ids on the item.
func (t *Tx) AppendTokenIDs(id string, tokenIDs []string) error {
	item, err := t.GetInventory(id, true)
	if err != nil {
		return err
	}
	item.TokenIDs = append(item.TokenIDs, tokenIDs...)
	return t.db.Model(&models.Inventory{ID: id}).Select("TokenIDs").Updates(&models.Inventory{TokenIDs: item.TokenIDs}).Error
}

// SetInventoryStatus updates the sale status.
func (t *Tx) SetInventoryStatus(id string, status models.InventoryStatus) error {
	return t.db.Model(&models.Inventory{}).Where("id = ?", id).Update("status", status).Error
}
