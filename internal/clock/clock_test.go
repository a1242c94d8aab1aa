package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowStrictlyIncreasesWithinSameMillisecond(t *testing.T) {
	c := New(7)
	c.nowFn = func() time.Time { return time.UnixMilli(1_000) }

	first := c.Now()
	second := c.Now()

	require.True(t, second.After(first))
	require.Equal(t, first.Millis(), second.Millis(), "both calls land in the same stubbed millisecond")
	require.Equal(t, first.Counter()+1, second.Counter())
}

func TestNowResetsCounterWhenMillisAdvances(t *testing.T) {
	c := New(1)

	a := c.Now()
	b := c.Now()
	require.Equal(t, uint64(1), b.Counter())

	// Force the wall clock forward so the next mint sees a new millisecond,
	// without sleeping in the test.
	c.nowFn = func() time.Time { return time.UnixMilli(int64(a.Millis() + 5)) }

	next := c.Now()
	require.True(t, next.After(b))
	require.Equal(t, uint64(0), next.Counter(), "counter resets when millis advances")
}

func TestNowCarriesTheConfiguredNodeID(t *testing.T) {
	c := New(42)
	ts := c.Now()
	require.Equal(t, uint16(42), ts.Node())
}

func TestObserveAdvancesPastAnExternalTimestamp(t *testing.T) {
	c := New(1)
	ext := Timestamp{Hi: 1_000_000, Lo: (500 << 16) | 9}

	c.Observe(ext)
	next := c.Now()

	require.True(t, next.After(ext), "a mint after observing t_ext must exceed it")
}

func TestObserveIsANoopAgainstAnOlderTimestamp(t *testing.T) {
	c := New(1)
	first := c.Now()

	older := Timestamp{Hi: 1, Lo: 0}
	c.Observe(older)

	next := c.Now()
	require.True(t, next.After(first))
}

func TestObserveThenNowNeverRegressesEvenAcrossMillis(t *testing.T) {
	c := New(3)
	c.nowFn = func() time.Time { return time.UnixMilli(100) }

	// A peer far in the future observed something past our wall clock.
	c.Observe(Timestamp{Hi: 500, Lo: (10 << 16) | 9})

	next := c.Now()
	require.Equal(t, uint64(500), next.Millis())
	require.Equal(t, uint64(11), next.Counter())
}

func TestTimestampCompareOrdersByMillisThenCounterThenNode(t *testing.T) {
	lowerMillis := Timestamp{Hi: 1, Lo: (9 << 16) | 9}
	higherMillis := Timestamp{Hi: 2, Lo: 0}
	require.True(t, higherMillis.After(lowerMillis))

	sameMillisLowerCounter := Timestamp{Hi: 5, Lo: (1 << 16) | 9}
	sameMillisHigherCounter := Timestamp{Hi: 5, Lo: (2 << 16) | 0}
	require.True(t, sameMillisHigherCounter.After(sameMillisLowerCounter))

	tieNodeLoser := Timestamp{Hi: 5, Lo: (1 << 16) | 3}
	tieNodeWinner := Timestamp{Hi: 5, Lo: (1 << 16) | 4}
	require.True(t, tieNodeWinner.After(tieNodeLoser), "equal millis and counter: higher node id wins the tie")
}

func TestMaxReturnsTheGreaterTimestamp(t *testing.T) {
	a := Timestamp{Hi: 10}
	b := Timestamp{Hi: 20}
	require.Equal(t, b, Max(a, b))
	require.Equal(t, b, Max(b, a))
}

func TestZeroIsLessThanAnyMintedTimestamp(t *testing.T) {
	c := New(1)
	ts := c.Now()
	require.True(t, ts.After(Zero))
}
