package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType enumerates the settlement units the engine understands.
type TransactionType string

const (
	TxMint              TransactionType = "minted"
	TxAdminMint         TransactionType = "admin-minted"
	TxTransfer          TransactionType = "transfer"
	TxTransferOutside   TransactionType = "transfer-outside"
	TxCancelEvent       TransactionType = "cancel-event"
	TxDeposit           TransactionType = "deposit"
	TxCreateRedemption  TransactionType = "create-redemption"
	TxCancelRedemption  TransactionType = "cancel-redemption"
	TxApproveRedemption TransactionType = "approve-redemption"
	TxAdminSetting      TransactionType = "admin-setting"
	TxAdminUpdate       TransactionType = "admin-update"
	TxAdminActivate     TransactionType = "admin-active"
	TxAdminDeactivate   TransactionType = "admin-deactive"
	TxAdminDelete       TransactionType = "admin-delete"
	TxRecover           TransactionType = "recover"
)

// IsAdminAction reports whether the type mutates an admin record.
func (t TransactionType) IsAdminAction() bool {
	switch t {
	case TxAdminSetting, TxAdminUpdate, TxAdminActivate, TxAdminDeactivate, TxAdminDelete:
		return true
	}
	return false
}

// TransactionStatus is a state in the transaction workflow.
type TransactionStatus string

const (
	StatusDraft      TransactionStatus = "draft"
	StatusProcessing TransactionStatus = "processing"
	StatusSuccess    TransactionStatus = "success"
	StatusFailed     TransactionStatus = "failed"
	StatusCancel     TransactionStatus = "cancel"
)

// Terminal reports whether no further transition is possible.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancel
}

// EventStatus is a state of a sale campaign.
type EventStatus string

const (
	EventDraft      EventStatus = "draft"
	EventComingSoon EventStatus = "coming-soon"
	EventLive       EventStatus = "live"
	EventEnd        EventStatus = "end"
	EventCancel     EventStatus = "cancel"
)

// InventoryStatus describes whether an item can currently be sold.
type InventoryStatus string

const (
	InventoryOffSale InventoryStatus = "off-sale"
	InventoryOnSale  InventoryStatus = "on-sale"
	InventorySoldOut InventoryStatus = "sold-out"
)

// OwnerStatus tracks a minted unit through transfer and redemption.
type OwnerStatus string

const (
	OwnerUnlocked OwnerStatus = "unlocked"
	OwnerLocked   OwnerStatus = "locked"
	OwnerBurned   OwnerStatus = "burned"
	OwnerRedeemed OwnerStatus = "redeemed"
	OwnerInvalid  OwnerStatus = "invalid"
)

// Role and tier enumerations for participants.
type (
	Role string
	Tier string
)

const (
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"

	TierCommon Tier = "common"
	TierBDA    Tier = "bda"
)

// AdminStatus is the lifecycle of an admin record driven by admin actions.
type AdminStatus string

const (
	AdminPending  AdminStatus = "pending"
	AdminActive   AdminStatus = "active"
	AdminInactive AdminStatus = "inactive"
)

// Lock is an expiring mutex row. The unique index on (type, resource_id) is
// the exclusivity gate.
type Lock struct {
	ID         uint      `gorm:"primaryKey"`
	Type       string    `gorm:"size:64;not null;uniqueIndex:idx_lock_type_resource"`
	ResourceID string    `gorm:"size:191;not null;uniqueIndex:idx_lock_type_resource"`
	ExpiresAt  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// CommissionLeg is one side of the affiliate split.
type CommissionLeg struct {
	Address       string          `gorm:"size:64" json:"address,omitempty"`
	CommissionFee decimal.Decimal `gorm:"type:numeric(38,18)" json:"commissionFee"`
	Percentage    decimal.Decimal `gorm:"type:numeric(12,4)" json:"percentage"`
}

// AffiliateInfo carries the commission routing for a sale.
type AffiliateInfo struct {
	BDA            CommissionLeg `gorm:"embedded;embeddedPrefix:bda_" json:"bda"`
	ReferrerDirect CommissionLeg `gorm:"embedded;embeddedPrefix:referrer_" json:"referrerDirect"`
}

// TotalFees is the sum of both legs.
func (a AffiliateInfo) TotalFees() decimal.Decimal {
	return a.BDA.CommissionFee.Add(a.ReferrerDirect.CommissionFee)
}

// Snapshot freezes the catalog values a transaction was priced against.
type Snapshot struct {
	EventName     string          `json:"eventName,omitempty"`
	InventoryName string          `json:"inventoryName,omitempty"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Restricted    bool            `json:"restricted"`
}

// AdminPayload holds the requested admin mutation plus what it replaces, so a
// failed chain call can be rolled back.
type AdminPayload struct {
	Address         string      `json:"address"`
	Name            string      `json:"name,omitempty"`
	Permissions     []string    `json:"permissions,omitempty"`
	PrevPermissions []string    `json:"prevPermissions,omitempty"`
	PrevStatus      AdminStatus `json:"prevStatus,omitempty"`
	Created         bool        `json:"created,omitempty"`
}

// Transaction is one settlement unit.
type Transaction struct {
	ID                string            `gorm:"primaryKey;size:64"`
	Type              TransactionType   `gorm:"size:32;index"`
	Status            TransactionStatus `gorm:"size:16;index"`
	Hash              *string           `gorm:"size:80;index"`
	FromAddress       string            `gorm:"size:64;index"`
	ToAddress         string            `gorm:"size:64;index"`
	Quantity          int64
	Revenue           decimal.Decimal `gorm:"type:numeric(38,18)"`
	AdminEarning      decimal.Decimal `gorm:"type:numeric(38,18)"`
	Amount            decimal.Decimal `gorm:"type:numeric(38,18)"`
	AffiliateInfo     AffiliateInfo   `gorm:"embedded;embeddedPrefix:affiliate_"`
	EventID           *string         `gorm:"size:64;index"`
	CategoryID        *string         `gorm:"size:64"`
	InventoryID       *string         `gorm:"size:64;index"`
	Snapshot          Snapshot        `gorm:"serializer:json"`
	TokenIDs          []string        `gorm:"serializer:json"`
	AdminPayload      *AdminPayload   `gorm:"serializer:json"`
	Signature         string          `gorm:"size:160"`
	Message           string          `gorm:"size:512"`
	SyncedAt          *time.Time
	ReferralAppliedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HashValue returns the hash or the empty string.
func (t *Transaction) HashValue() string {
	if t == nil || t.Hash == nil {
		return ""
	}
	return *t.Hash
}

// Event is a sale campaign. Categories live in their own table and are loaded
// by the store.
type Event struct {
	ID             string          `gorm:"primaryKey;size:64"`
	Name           string          `gorm:"size:255"`
	CreatorAddress string          `gorm:"size:64;index"`
	Status         EventStatus     `gorm:"size:16;index"`
	StartDate      time.Time       `gorm:"index"`
	EndDate        time.Time       `gorm:"index"`
	TotalRevenue   decimal.Decimal `gorm:"type:numeric(38,18)"`
	AdminEarnings  decimal.Decimal `gorm:"type:numeric(38,18)"`
	CancelHash     *string         `gorm:"size:80"`
	Categories     []EventCategory `gorm:"-"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventCategory is one inventory line offered by an event.
type EventCategory struct {
	ID              string          `gorm:"primaryKey;size:64"`
	EventID         string          `gorm:"size:64;index"`
	InventoryID     string          `gorm:"size:64;index"`
	QuantityForSale int64           `gorm:"not null"`
	TotalMinted     int64           `gorm:"not null;default:0"`
	UnitPrice       decimal.Decimal `gorm:"type:numeric(38,18)"`
}

// Remaining is the unsold quantity.
func (c EventCategory) Remaining() int64 { return c.QuantityForSale - c.TotalMinted }

// Inventory is an NFT collection item. TotalReserved counts units committed to
// events that have not been sold yet.
type Inventory struct {
	ID             string          `gorm:"primaryKey;size:64"`
	Name           string          `gorm:"size:255"`
	CreatorAddress string          `gorm:"size:64"`
	Restricted     bool            `gorm:"index"`
	Status         InventoryStatus `gorm:"size:16;index"`
	TotalSupply    int64
	TotalAvailable int64
	TotalReserved  int64
	TotalMinted    int64
	TotalBurnt     int64
	TokenIDs       []string `gorm:"serializer:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conserved reports whether every unit of supply is accounted for.
func (i Inventory) Conserved() bool {
	return i.TotalSupply == i.TotalAvailable+i.TotalReserved+i.TotalMinted+i.TotalBurnt
}

// Owner records one minted unit. Rows are never hard-deleted.
type Owner struct {
	TokenID       string          `gorm:"primaryKey;size:80"`
	InventoryID   string          `gorm:"size:64;index"`
	Address       string          `gorm:"size:64;index"`
	Status        OwnerStatus     `gorm:"size:16;index"`
	MintedByAdmin bool            `gorm:"index"`
	MintedDate    time.Time
	MintedValue   decimal.Decimal `gorm:"type:numeric(38,18)"`
	MintedHash    string          `gorm:"size:80"`
	EventID       *string         `gorm:"size:64"`
	IsTransfer    bool
	UpdatedAt     time.Time
}

// User is a network participant or admin.
type User struct {
	Address                         string          `gorm:"primaryKey;size:64"`
	Role                            Role            `gorm:"size:16;index"`
	Tier                            Tier            `gorm:"size:16;index"`
	Referrer                        string          `gorm:"size:64;index"`
	Originator                      string          `gorm:"size:64;index"`
	PathID                          []string        `gorm:"serializer:json"`
	PersonalVolume                  decimal.Decimal `gorm:"type:numeric(38,18)"`
	OldPersonalVolume               decimal.Decimal `gorm:"type:numeric(38,18)"`
	Volume                          decimal.Decimal `gorm:"type:numeric(38,18)"`
	Commission                      decimal.Decimal `gorm:"type:numeric(38,18)"`
	Balance                         decimal.Decimal `gorm:"type:numeric(38,18)"`
	EquityShare                     decimal.Decimal `gorm:"type:numeric(20,10)"`
	DirectReferee                   int64
	PersonalTokenSold               int64
	HaveReceivedRestrictedFromAdmin bool
	AdminName                       string      `gorm:"size:255"`
	Permissions                     []string    `gorm:"serializer:json"`
	AdminStatus                     AdminStatus `gorm:"size:16"`
	IsDeleted                       bool        `gorm:"index"`
	CreatedAt                       time.Time
	UpdatedAt                       time.Time
}

// IsBDA reports BDA tier.
func (u *User) IsBDA() bool { return u != nil && u.Tier == TierBDA }

// UserAncestor is a closure-table row: Ancestor is Depth levels above
// Descendant.
type UserAncestor struct {
	Ancestor   string `gorm:"primaryKey;size:64"`
	Descendant string `gorm:"primaryKey;size:64;index"`
	Depth      int    `gorm:"not null"`
}

// NormalizeAddress canonicalises an account address for storage and lookups.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// AutoMigrate runs schema migrations for every ledger model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Lock{},
		&Transaction{},
		&Event{},
		&EventCategory{},
		&Inventory{},
		&Owner{},
		&User{},
		&UserAncestor{},
	)
}
