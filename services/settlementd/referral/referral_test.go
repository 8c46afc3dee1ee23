package referral

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/money"
	"nftledger/services/settlementd/store"
)

func setup(t *testing.T) (*store.Store, *Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := store.New(db)
	require.NoError(t, err)
	eng, err := NewEngine(Config{
		BDARatio:      200,
		ReferrerRatio: 800,
		Divisor:       10000,
		Threshold:     money.MustParse("100"),
	})
	require.NoError(t, err)
	return s, eng
}

func register(t *testing.T, s *store.Store, eng *Engine, addr, referrer string) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		_, err := eng.Register(tx, addr, referrer)
		return err
	})
	require.NoError(t, err)
}

func give(t *testing.T, s *store.Store, addr, tokenID string, restricted bool) {
	t.Helper()
	tx := s.Read(context.Background())
	invID := "inv-plain"
	if restricted {
		invID = "inv-restricted"
	}
	if _, err := tx.GetInventory(invID, false); err != nil {
		require.NoError(t, tx.CreateInventory(&models.Inventory{ID: invID, Restricted: restricted}))
	}
	require.NoError(t, tx.CreateOwners([]models.Owner{{TokenID: tokenID, InventoryID: invID, Address: addr, Status: models.OwnerUnlocked}}))
}

func user(t *testing.T, s *store.Store, addr string) *models.User {
	t.Helper()
	u, err := s.Read(context.Background()).GetUser(addr, false)
	require.NoError(t, err)
	return u
}

func TestSplitCommissionNeverExceedsRevenue(t *testing.T) {
	_, eng := setup(t)
	bda := &models.User{Address: "0xbda", Tier: models.TierBDA}
	revenue := money.MustParse("123.45")

	info := eng.Split(revenue, "0xRef", bda)
	require.Equal(t, "0xref", info.ReferrerDirect.Address)
	require.True(t, info.ReferrerDirect.CommissionFee.Equal(money.MustParse("9.876")))
	require.True(t, info.BDA.CommissionFee.Equal(money.MustParse("2.469")))
	require.True(t, info.TotalFees().LessThanOrEqual(revenue))
	require.True(t, info.BDA.Percentage.Equal(money.MustParse("2")))

	noBDA := eng.Split(revenue, "0xref", &models.User{Address: "0xc", Tier: models.TierCommon})
	require.Empty(t, noBDA.BDA.Address)
	require.True(t, noBDA.BDA.CommissionFee.IsZero())
}

func TestNewEngineRejectsOverallocation(t *testing.T) {
	_, err := NewEngine(Config{BDARatio: 5000, ReferrerRatio: 5001, Divisor: 10000, Threshold: money.MustParse("1")})
	require.Error(t, err)
	_, err = NewEngine(Config{Divisor: 10000})
	require.Error(t, err)
}

func TestRegisterBuildsPathAndOriginator(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xRoot", "")
	register(t, s, eng, "0xA", "0xroot")
	register(t, s, eng, "0xB", "0xa")

	b := user(t, s, "0xb")
	require.Equal(t, []string{"0xroot", "0xa"}, b.PathID)
	require.Equal(t, "0xa", b.Referrer)
	require.Equal(t, "", b.Originator)
	require.EqualValues(t, 1, user(t, s, "0xa").DirectReferee)

	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{"tier": models.TierBDA}))
	register(t, s, eng, "0xC", "0xa")
	require.Equal(t, "0xa", user(t, s, "0xc").Originator)

	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		_, err := eng.Register(tx, "0xc", "0xa")
		return err
	})
	require.Error(t, err)
}

func seedSale(t *testing.T, s *store.Store, eng *Engine, id, buyer, revenue string) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		info, err := eng.AffiliateFor(tx, buyer, money.MustParse(revenue))
		if err != nil {
			return err
		}
		return tx.CreateTransaction(&models.Transaction{
			ID:            id,
			Type:          models.TxMint,
			Status:        models.StatusSuccess,
			ToAddress:     buyer,
			Quantity:      1,
			Revenue:       money.MustParse(revenue),
			AffiliateInfo: info,
		})
	})
	require.NoError(t, err)
}

func applyPurchase(t *testing.T, s *store.Store, eng *Engine, id string) *PurchaseOutcome {
	t.Helper()
	var out *PurchaseOutcome
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = eng.ApplyPurchase(tx, id, time.Now())
		return err
	})
	require.NoError(t, err)
	return out
}

func TestApplyPurchaseAccumulatesOnceAndPromotes(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xroot", "")
	register(t, s, eng, "0xa", "0xroot")
	register(t, s, eng, "0xb", "0xa")
	register(t, s, eng, "0xc", "0xb")
	register(t, s, eng, "0xd", "0xc")
	give(t, s, "0xa", "1", false)

	seedSale(t, s, eng, "sale-1", "0xb", "60")
	out := applyPurchase(t, s, eng, "sale-1")
	require.False(t, out.Skipped)
	require.Empty(t, out.TierChanges)

	replay := applyPurchase(t, s, eng, "sale-1")
	require.True(t, replay.Skipped)

	a := user(t, s, "0xa")
	require.True(t, a.PersonalVolume.Equal(money.MustParse("60")))
	require.True(t, a.Commission.Equal(money.MustParse("4.8")))
	require.True(t, user(t, s, "0xb").Volume.Equal(money.MustParse("60")))

	seedSale(t, s, eng, "sale-2", "0xb", "40")
	out = applyPurchase(t, s, eng, "sale-2")
	require.Len(t, out.TierChanges, 1)
	require.Equal(t, "0xa", out.TierChanges[0].Address)
	require.Equal(t, ReasonPersonalVolume, out.TierChanges[0].Reason)
	require.EqualValues(t, 3, out.TierChanges[0].Reparented)

	require.Equal(t, models.TierBDA, user(t, s, "0xa").Tier)
	for _, addr := range []string{"0xb", "0xc", "0xd"} {
		require.Equal(t, "0xa", user(t, s, addr).Originator, addr)
	}
	require.Equal(t, "", user(t, s, "0xa").Originator)
}

func TestBDALegAccruesToOriginator(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xroot", "")
	register(t, s, eng, "0xa", "0xroot")
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{"tier": models.TierBDA}))
	register(t, s, eng, "0xb", "0xa")
	register(t, s, eng, "0xc", "0xb")

	seedSale(t, s, eng, "sale-1", "0xc", "50")
	applyPurchase(t, s, eng, "sale-1")

	a := user(t, s, "0xa")
	require.True(t, a.Commission.Equal(money.MustParse("1")), "bda commission %s", a.Commission)
	require.True(t, a.PersonalVolume.Equal(money.MustParse("50")))
	b := user(t, s, "0xb")
	require.True(t, b.Commission.Equal(money.MustParse("4")))
	require.True(t, b.PersonalVolume.Equal(money.MustParse("50")))
	require.EqualValues(t, 1, b.PersonalTokenSold)
}

func TestPromotionRequiresHoldings(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xa", "")
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{"personal_volume": money.MustParse("500")}))

	var change *TierChange
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		change, err = eng.EvaluatePromotion(tx, "0xa", TriggerTransferIn)
		return err
	})
	require.NoError(t, err)
	require.Nil(t, change)

	give(t, s, "0xa", "7", false)
	err = s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		change, err = eng.EvaluatePromotion(tx, "0xa", TriggerTransferIn)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, change)
	require.True(t, change.Promoted())
}

func TestRedeemedUnitsHoldTierUntilRestrictedRedemption(t *testing.T) {
	s, eng := setup(t)
	ctx := context.Background()
	register(t, s, eng, "0xa", "")
	give(t, s, "0xa", "1", true)
	require.NoError(t, s.Read(ctx).UpdateOwner("1", map[string]any{"status": models.OwnerRedeemed}))
	require.NoError(t, s.Read(ctx).UpdateUser("0xa", map[string]any{"personal_volume": money.MustParse("120")}))

	var change *TierChange
	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		var err error
		change, err = eng.EvaluatePromotion(tx, "0xa", TriggerPurchase)
		return err
	}))
	require.NotNil(t, change)
	require.Equal(t, models.TierBDA, user(t, s, "0xa").Tier)

	require.NoError(t, s.Read(ctx).UpdateUser("0xa", map[string]any{"have_received_restricted_from_admin": true}))
	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		var err error
		change, err = eng.EvaluateDemotion(tx, "0xa", TriggerTransferOut)
		return err
	}))
	require.Nil(t, change)
	require.NoError(t, s.InTx(ctx, func(tx *store.Tx) error {
		var err error
		change, err = eng.EvaluateDemotion(tx, "0xa", TriggerRedemption)
		return err
	}))
	require.NotNil(t, change)
	require.Equal(t, models.TierCommon, user(t, s, "0xa").Tier)
}

func TestGrandfatheredLegacyVolumeOnlyCountsForRestrictedReceipt(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xa", "")
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{
		"old_personal_volume":                 money.MustParse("150"),
		"have_received_restricted_from_admin": true,
	}))
	give(t, s, "0xa", "1", false)

	evaluate := func(trigger Trigger) *TierChange {
		var change *TierChange
		require.NoError(t, s.InTx(context.Background(), func(tx *store.Tx) error {
			var err error
			change, err = eng.EvaluatePromotion(tx, "0xa", trigger)
			return err
		}))
		return change
	}
	require.Nil(t, evaluate(TriggerPurchase))
	change := evaluate(TriggerRestrictedIn)
	require.NotNil(t, change)
	require.Equal(t, ReasonLegacyVolume, change.Reason)
	require.True(t, user(t, s, "0xa").HaveReceivedRestrictedFromAdmin)
}

func TestDemotionRevertsDescendants(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xroot", "")
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xroot", map[string]any{"tier": models.TierBDA}))
	register(t, s, eng, "0xa", "0xroot")
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{
		"tier":            models.TierBDA,
		"personal_volume": money.MustParse("20"),
	}))
	register(t, s, eng, "0xb", "0xa")
	register(t, s, eng, "0xc", "0xb")
	require.Equal(t, "0xa", user(t, s, "0xc").Originator)

	var change *TierChange
	require.NoError(t, s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		change, err = eng.EvaluateDemotion(tx, "0xa", TriggerTransferOut)
		return err
	}))
	require.NotNil(t, change)
	require.EqualValues(t, 2, change.Reparented)

	a := user(t, s, "0xa")
	require.Equal(t, models.TierCommon, a.Tier)
	require.True(t, a.PersonalVolume.IsZero())
	require.Equal(t, "0xroot", user(t, s, "0xb").Originator)
	require.Equal(t, "0xroot", user(t, s, "0xc").Originator)
}

func TestDemotionSkippedWhenStillHoldingOrQualified(t *testing.T) {
	s, eng := setup(t)
	register(t, s, eng, "0xa", "")
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{"tier": models.TierBDA}))
	give(t, s, "0xa", "1", false)

	demote := func(trigger Trigger) *TierChange {
		var change *TierChange
		require.NoError(t, s.InTx(context.Background(), func(tx *store.Tx) error {
			var err error
			change, err = eng.EvaluateDemotion(tx, "0xa", trigger)
			return err
		}))
		return change
	}
	require.Nil(t, demote(TriggerTransferOut))
	require.Nil(t, demote(TriggerRedemption))

	require.NoError(t, s.Read(context.Background()).UpdateOwner("1", map[string]any{"status": models.OwnerBurned}))
	require.NoError(t, s.Read(context.Background()).UpdateUser("0xa", map[string]any{
		"personal_volume": money.MustParse("100"),
		"direct_referee":  3,
	}))
	require.Nil(t, demote(TriggerTransferOut))
	require.Equal(t, models.TierBDA, user(t, s, "0xa").Tier)
}

func TestEquityShares(t *testing.T) {
	s, eng := setup(t)
	tx := s.Read(context.Background())
	for addr, pv := range map[string]string{"0xa": "300", "0xb": "100", "0xc": "999"} {
		referees := int64(3)
		if addr == "0xc" {
			referees = 1
		}
		require.NoError(t, tx.CreateUser(&models.User{
			Address:        addr,
			Role:           models.RoleUser,
			Tier:           models.TierBDA,
			PersonalVolume: money.MustParse(pv),
			DirectReferee:  referees,
		}))
	}
	require.NoError(t, eng.RecomputeEquityShares(tx))
	require.True(t, user(t, s, "0xa").EquityShare.Equal(money.MustParse("0.75")))
	require.True(t, user(t, s, "0xb").EquityShare.Equal(money.MustParse("0.25")))
	require.True(t, user(t, s, "0xc").EquityShare.IsZero())
}
