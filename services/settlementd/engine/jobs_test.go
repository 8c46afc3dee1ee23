package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nftledger/services/settlementd/chain"
	"nftledger/services/settlementd/jobs"
	"nftledger/services/settlementd/models"
)

func TestReferralRunsThroughJobQueue(t *testing.T) {
	queue := jobs.NewQueue(jobs.Config{})
	h := newHarness(t, func(c *Config) { c.Jobs = queue })
	ctx := context.Background()
	buyer := addr(0x71)
	h.register(t, buyer, systemAddr)
	item := h.inventory(t, 5, false)
	event := h.liveEvent(t, 10, CategoryRequest{InventoryID: item.ID, QuantityForSale: 5})

	txn, _ := h.buy(t, event, 0, buyer, 1)
	stored, err := h.engine.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ReferralAppliedAt)
	require.Equal(t, 1, queue.Pending())

	require.Equal(t, 1, queue.RunDue(ctx))
	stored, err = h.engine.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReferralAppliedAt)
	require.True(t, h.user(t, buyer).Volume.Equal(txn.Revenue))
}

func TestSubmitHashSchedulesConfirmation(t *testing.T) {
	queue := jobs.NewQueue(jobs.Config{})
	h := newHarness(t, func(c *Config) {
		c.Jobs = queue
		c.ConfirmationDelay = time.Nanosecond
	})
	ctx := context.Background()
	account := addr(0x72)
	h.register(t, account, systemAddr)

	txn, err := h.engine.CreateDeposit(ctx, account, txnAmount)
	require.NoError(t, err)
	hash := hashFor(txn.ID)
	_, err = h.engine.SubmitHash(ctx, txn.ID, hash)
	require.NoError(t, err)
	require.Equal(t, 1, queue.Pending())

	h.chain.receipts[hash] = &chain.Receipt{Status: true}
	h.chain.events[hash] = []chain.DecodedEvent{{Name: chain.EventDeposited, TransactionID: txn.ID}}
	time.Sleep(time.Millisecond)
	require.Equal(t, 1, queue.RunDue(ctx))

	stored, err := h.engine.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, stored.Status)
	require.True(t, h.user(t, account).Balance.Equal(txnAmount))
}
