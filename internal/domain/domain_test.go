package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeliveryPriceRub(t *testing.T) {
	// 2kg, 10 usd adjustment, rate 80 => (1.0 + 0.1) * 80
	got := DeliveryPriceRub(2.0, 10.0, 80.0)
	require.InDelta(t, 88.0, got, 1e-9)

	// zero-weight parcel still pays the adjustment share
	got = DeliveryPriceRub(0, 100.0, 90.0)
	require.InDelta(t, 90.0, got, 1e-9)

	require.Zero(t, DeliveryPriceRub(3.5, 20.0, 0))
}

func TestKnownEventType(t *testing.T) {
	require.True(t, KnownEventType(EventParcelRegistered))
	require.True(t, KnownEventType(EventParcelRecalculate))
	require.False(t, KnownEventType(EventType("parcel.deleted")))
	require.False(t, KnownEventType(EventType("")))
}
