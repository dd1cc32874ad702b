package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemaining(t *testing.T) {
	require.Equal(t, int64(40), Remaining(100, 60))
	require.Equal(t, int64(0), Remaining(100, 100))

	// Over-fulfilled lines floor at zero instead of going negative
	require.Equal(t, int64(0), Remaining(100, 120))
	require.Equal(t, int64(0), Remaining(0, 0))
}

func TestFulfillmentFraction(t *testing.T) {
	require.Equal(t, 0.6, FulfillmentFraction(100, 60))
	require.Equal(t, 1.0, FulfillmentFraction(50, 50))

	// Zero ordered must not divide by zero
	require.Equal(t, 0.0, FulfillmentFraction(0, 10))
}

func TestSum(t *testing.T) {
	require.Equal(t, int64(60), Sum([]int64{40, 20}))
	require.Equal(t, int64(0), Sum(nil))
}

func TestCheckReceipt(t *testing.T) {
	require.NoError(t, CheckReceipt(100, 0, 60))
	require.NoError(t, CheckReceipt(100, 60, 40))

	err := CheckReceipt(100, 60, 41)
	require.Error(t, err)

	overflow, ok := err.(*QuantityOverflowError)
	require.True(t, ok)
	require.Equal(t, int64(100), overflow.Ordered)
	require.Equal(t, int64(60), overflow.Fulfilled)
	require.Equal(t, int64(41), overflow.Incoming)
}
