package idregistry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/gidkit/clog"
)

func TestNextReusableID(t *testing.T) {
	tests := []struct {
		name string
		ids  []int
		want int
	}{
		{"empty", nil, 0},
		{"dense", []int{0, 1, 2}, 3},
		{"gap at zero", []int{1, 2}, 0},
		{"single gap", []int{0, 2, 3}, 1},
		{"lowest of several gaps", []int{0, 1, 3, 5}, 2},
		{"sparse", []int{4}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextReusableID(tt.ids))
		})
	}
}

func TestParseIDs(t *testing.T) {
	got := parseIDs([]string{"10", "2", "x", "-1", "0", "2"}, clog.Nop())
	assert.Equal(t, []int{0, 2, 10}, got)
}

func TestNextUniqueID(t *testing.T) {
	failIfCalled := func(int) (int, error) {
		t.Fatal("exhaustion handler must not be called")
		return 0, nil
	}

	next, err := nextUniqueID(0, false, 2, failIfCalled)
	require.NoError(t, err)
	assert.Equal(t, 0, next)

	next, err = nextUniqueID(1, true, 2, failIfCalled)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	_, err = nextUniqueID(2, true, 2, defaultExhaustionHandler)
	assert.True(t, errors.Is(err, ErrExhausted))

	var gotMax int
	next, err = nextUniqueID(2, true, 2, func(max int) (int, error) {
		gotMax = max
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, next)
	assert.Equal(t, 2, gotMax)

	_, err = nextUniqueID(2, true, 2, func(int) (int, error) { return 3, nil })
	assert.True(t, errors.Is(err, ErrExhausted))
	_, err = nextUniqueID(2, true, 2, func(int) (int, error) { return -1, nil })
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestClampInterval(t *testing.T) {
	st := 10 * time.Second
	assert.Equal(t, 500*time.Millisecond, clampInterval(0, st))
	assert.Equal(t, 500*time.Millisecond, clampInterval(100*time.Millisecond, st))
	assert.Equal(t, 2*time.Second, clampInterval(2*time.Second, st))
	assert.Equal(t, 5*time.Second, clampInterval(time.Minute, st))
}

func TestNextDelay(t *testing.T) {
	base := time.Second
	delay := base
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		delay = nextDelay(delay, base, 10, false)
		seen = append(seen, delay)
	}
	assert.Equal(t, []time.Duration{2 * base, 4 * base, 8 * base, 10 * base, 10 * base, 10 * base}, seen)
	assert.Equal(t, base, nextDelay(delay, base, 10, true))

	// bound 为 1 时不退避
	assert.Equal(t, base, nextDelay(base, base, 1, false))
}
