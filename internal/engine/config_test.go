package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeSchedule(t *testing.T) {
	cfg := Config{}.withDefaults()

	cases := []struct {
		name       string
		amount     int64
		retryCount int64
		want       int64
	}{
		{"small first attempt", 1000, 0, 40},
		{"typical first attempt", 10000, 0, 130},
		{"cap reached", 50000, 0, 350},
		{"cap boundary", 32000, 0, 350},
		{"surcharge on retry", 10000, 1, 230},
		{"surcharge on later retry", 10000, 2, 230},
		{"surcharge outside cap", 50000, 1, 450},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cfg.Fee(tc.amount, tc.retryCount))
		})
	}
}

func TestFeeNeverDecreasesAcrossRetries(t *testing.T) {
	cfg := Config{}.withDefaults()
	for _, amount := range []int64{500, 10000, 35000, 100000} {
		prev := int64(0)
		for retry := int64(0); retry <= 3; retry++ {
			fee := cfg.Fee(amount, retry)
			assert.GreaterOrEqual(t, fee, prev, "amount %d retry %d", amount, retry)
			prev = fee
		}
	}
}
