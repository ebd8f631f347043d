package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbridge/internal/domain"
)

func defaultConfig() Config {
	return Config{
		MinLot:         0.01,
		MaxLot:         5.0,
		DefaultLot:     0.1,
		MaxOpenTrades:  5,
		MaxDailyTrades: 10,
		MinRiskReward:  1.0,
		RequireSLTP:    true,
	}
}

// A buy signal with reward/risk of 3.0.
func goodSignal() domain.NewSignal {
	return domain.NewSignal{
		Symbol:     "XAUUSD",
		Side:       domain.Buy,
		Entry:      2400.0,
		StopLoss:   2390.0,
		TakeProfit: 2430.0,
		Lot:        0.05,
	}
}

func activeTrades(n int) []*domain.Trade {
	out := make([]*domain.Trade, n)
	for i := range out {
		out[i] = &domain.Trade{Symbol: "EURUSD", Side: domain.Buy, Status: domain.StatusOpen}
	}
	return out
}

func TestNewValidator(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		v, err := NewValidator(defaultConfig())
		require.NoError(t, err)
		assert.NotNil(t, v)
	})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero min lot", func(c *Config) { c.MinLot = 0 }},
		{"max below min", func(c *Config) { c.MaxLot = 0.005 }},
		{"default outside bounds", func(c *Config) { c.DefaultLot = 10 }},
		{"zero open limit", func(c *Config) { c.MaxOpenTrades = 0 }},
		{"zero daily limit", func(c *Config) { c.MaxDailyTrades = 0 }},
		{"negative min RR", func(c *Config) { c.MinRiskReward = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			_, err := NewValidator(cfg)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	v, err := NewValidator(defaultConfig())
	require.NoError(t, err)

	t.Run("good signal passes with requested lot", func(t *testing.T) {
		lot, err := v.Validate(goodSignal(), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, 0.05, lot)
	})

	t.Run("unspecified lot takes the default", func(t *testing.T) {
		sig := goodSignal()
		sig.Lot = 0
		lot, err := v.Validate(sig, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, 0.1, lot)
	})

	t.Run("missing stop loss is rejected", func(t *testing.T) {
		sig := goodSignal()
		sig.StopLoss = 0
		_, err := v.Validate(sig, nil, 0)
		assertReject(t, err, RejectMissingProtection)
	})

	t.Run("missing take profit is rejected", func(t *testing.T) {
		sig := goodSignal()
		sig.TakeProfit = 0
		_, err := v.Validate(sig, nil, 0)
		assertReject(t, err, RejectMissingProtection)
	})

	t.Run("lot above max is rejected, not clamped", func(t *testing.T) {
		sig := goodSignal()
		sig.Lot = 6.0
		_, err := v.Validate(sig, nil, 0)
		assertReject(t, err, RejectLotOutOfBounds)
	})

	t.Run("lot below min is rejected", func(t *testing.T) {
		sig := goodSignal()
		sig.Lot = 0.001
		_, err := v.Validate(sig, nil, 0)
		assertReject(t, err, RejectLotOutOfBounds)
	})

	t.Run("reward risk below minimum is rejected", func(t *testing.T) {
		sig := goodSignal()
		sig.TakeProfit = 2404.0 // RR = 0.4 against a 10-point stop
		_, err := v.Validate(sig, nil, 0)
		assertReject(t, err, RejectInsufficientRR)
	})

	t.Run("open trade cap is rejected", func(t *testing.T) {
		_, err := v.Validate(goodSignal(), activeTrades(5), 0)
		assertReject(t, err, RejectTooManyOpenTrades)
	})

	t.Run("daily cap is rejected", func(t *testing.T) {
		_, err := v.Validate(goodSignal(), activeTrades(2), 10)
		assertReject(t, err, RejectDailyLimitReached)
	})

	t.Run("first failure wins over later rules", func(t *testing.T) {
		sig := goodSignal()
		sig.StopLoss = 0
		// Daily cap is also exceeded, but protection is checked first.
		_, err := v.Validate(sig, activeTrades(5), 10)
		assertReject(t, err, RejectMissingProtection)
	})
}

func TestValidateOptionalProtection(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequireSLTP = false
	v, err := NewValidator(cfg)
	require.NoError(t, err)

	t.Run("signal without stops passes", func(t *testing.T) {
		sig := goodSignal()
		sig.StopLoss = 0
		sig.TakeProfit = 0
		_, err := v.Validate(sig, nil, 0)
		assert.NoError(t, err)
	})

	t.Run("RR still enforced when both stops present", func(t *testing.T) {
		sig := goodSignal()
		sig.TakeProfit = 2404.0
		_, err := v.Validate(sig, nil, 0)
		assertReject(t, err, RejectInsufficientRR)
	})
}

func TestRiskReward(t *testing.T) {
	tests := []struct {
		name                     string
		entry, stop, take, want float64
	}{
		{"buy 3 to 1", 2400, 2390, 2430, 3.0},
		{"sell 2 to 1", 2400, 2410, 2380, 2.0},
		{"below one", 2400, 2390, 2404, 0.4},
		{"stop on entry", 2400, 2400, 2430, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RiskReward(tt.entry, tt.stop, tt.take), 1e-9)
		})
	}
}

func assertReject(t *testing.T, err error, code RejectCode) {
	t.Helper()
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, code, rej.Code)
}
