package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionTransitions(t *testing.T) {
	require.NoError(t, ValidateTransactionTransition(StatusDraft, StatusProcessing))
	require.NoError(t, ValidateTransactionTransition(StatusProcessing, StatusSuccess))
	require.NoError(t, ValidateTransactionTransition(StatusProcessing, StatusFailed))
	require.NoError(t, ValidateTransactionTransition(StatusSuccess, StatusSuccess))

	require.Error(t, ValidateTransactionTransition(StatusSuccess, StatusFailed))
	require.Error(t, ValidateTransactionTransition(StatusFailed, StatusProcessing))
	require.Error(t, ValidateTransactionTransition(StatusProcessing, StatusCancel))
	require.Error(t, ValidateTransactionTransition(StatusCancel, StatusSuccess))
	require.True(t, StatusCancel.Terminal())
	require.False(t, StatusProcessing.Terminal())
}

func TestEventTransitions(t *testing.T) {
	require.NoError(t, ValidateEventTransition(EventDraft, EventLive))
	require.NoError(t, ValidateEventTransition(EventComingSoon, EventCancel))
	require.NoError(t, ValidateEventTransition(EventLive, EventEnd))

	require.Error(t, ValidateEventTransition(EventDraft, EventCancel))
	require.Error(t, ValidateEventTransition(EventEnd, EventLive))
	require.Error(t, ValidateEventTransition(EventCancel, EventLive))
}

func TestInventoryConserved(t *testing.T) {
	item := Inventory{TotalSupply: 10, TotalAvailable: 3, TotalReserved: 4, TotalMinted: 2, TotalBurnt: 1}
	require.True(t, item.Conserved())
	item.TotalMinted++
	require.False(t, item.Conserved())
}
