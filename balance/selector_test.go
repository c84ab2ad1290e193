package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(strategy Strategy) Selector {
	cb := DefaultCircuitBreaker()
	cb.ClosingTimeout = 50 * time.Millisecond
	return NewSelector("test", strategy, cb, nil)
}

func TestWeightedRoundRobinSpread(t *testing.T) {
	s := newTestSelector(StrategyWeightedRoundRobin)
	s.Add(&Target{ID: "a", Config: TargetConfig{Weight: 3}})
	s.Add(&Target{ID: "b", Config: TargetConfig{Weight: 1}})

	counts := map[string]int{}
	var seq []string
	for i := 0; i < 8; i++ {
		c, err := s.Choose()
		require.NoError(t, err)
		counts[c.Target.ID]++
		seq = append(seq, c.Target.ID)
		c.Release()
	}

	assert.Equal(t, 6, counts["a"])
	assert.Equal(t, 2, counts["b"])
	// smooth: b is never starved for a whole cycle
	assert.Contains(t, seq[:4], "b")
	assert.Contains(t, seq[4:], "b")
}

func TestSelectorEmpty(t *testing.T) {
	for _, strategy := range []Strategy{StrategyWeightedRoundRobin, StrategyRandom, StrategyLeastActive} {
		t.Run(strategy.String(), func(t *testing.T) {
			s := newTestSelector(strategy)
			_, err := s.Choose()
			assert.ErrorIs(t, err, ErrEmptyPool)

			h := s.Add(&Target{ID: "a"})
			assert.Equal(t, 1, s.Len())
			s.Remove(h)
			assert.Equal(t, 0, s.Len())
		})
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	s := newTestSelector(StrategyWeightedRoundRobin)
	s.Add(&Target{ID: "a"})

	c, err := s.Choose()
	require.NoError(t, err)
	c.Errored()
	c.Errored() // second settle is ignored

	_, err = s.Choose()
	assert.ErrorIs(t, err, ErrAllOpen)

	require.Eventually(t, func() bool {
		c, err := s.Choose()
		if err != nil {
			return false
		}
		c.Release()
		return true
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0.5, c.Stats.SuccessRate())
}

func TestLeastActive(t *testing.T) {
	s := newTestSelector(StrategyLeastActive)
	s.Add(&Target{ID: "a"})
	s.Add(&Target{ID: "b"})

	first, err := s.Choose()
	require.NoError(t, err)
	second, err := s.Choose()
	require.NoError(t, err)

	assert.NotEqual(t, first.Target.ID, second.Target.ID)
	first.Release()
	second.Release()
	assert.EqualValues(t, 0, first.Stats.Active.Load())
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"", StrategyWeightedRoundRobin, true},
		{"random", StrategyRandom, true},
		{"least_active", StrategyLeastActive, true},
		{"fastest", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if !tt.ok {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
