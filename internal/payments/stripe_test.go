package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinorUnits(t *testing.T) {
	assert.EqualValues(t, 1400, MinorUnits(14))
	assert.EqualValues(t, 10164, MinorUnits(101.64))
	assert.EqualValues(t, 0, MinorUnits(0))
}

func TestHoldFareRejectsZero(t *testing.T) {
	_, err := NewStripeClient("sk_test_unused").HoldFare(context.Background(), "r1", 0, "INR")
	assert.Error(t, err)
}
