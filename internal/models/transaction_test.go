package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired}

	for _, to := range terminal {
		assert.True(t, CanTransition(StatusPending, to), "PENDING -> %s", to)
	}

	// Terminal states are sticky.
	for _, from := range terminal {
		assert.False(t, CanTransition(from, StatusPending), "%s -> PENDING", from)
		for _, to := range terminal {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, CanTransition(StatusPending, StatusPending))
}

func TestParseProvider(t *testing.T) {
	cases := map[string]Provider{
		"mobile_money":    ProviderMobileMoney,
		"mpesa":           ProviderMobileMoney,
		"hosted_checkout": ProviderHostedCheckout,
		"pesapal":         ProviderHostedCheckout,
		"card":            ProviderCard,
		"cod":             ProviderCOD,
	}
	for method, want := range cases {
		got, ok := ParseProvider(method)
		assert.True(t, ok, method)
		assert.Equal(t, want, got)
	}

	_, ok := ParseProvider("barter")
	assert.False(t, ok)
}
