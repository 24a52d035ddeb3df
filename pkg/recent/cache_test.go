package recent

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestSeenImmediatelyAfterMark(t *testing.T) {
	c := New(DefaultCapacity, DefaultTTL, WithClock(clock.NewMock()))
	a := addr(t, "10.0.0.1")

	assert.False(t, c.SeenRecently(a))
	c.MarkSeen(a)
	assert.True(t, c.SeenRecently(a))
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	mock := clock.NewMock()
	c := New(DefaultCapacity, DefaultTTL, WithClock(mock))
	a := addr(t, "10.0.0.1")

	c.MarkSeen(a)
	mock.Add(59 * time.Minute)
	assert.True(t, c.SeenRecently(a))

	mock.Add(2 * time.Minute)
	assert.False(t, c.SeenRecently(a))
	assert.Equal(t, 0, c.Len())
}

func TestEntryUnreadableExactlyAtTTL(t *testing.T) {
	mock := clock.NewMock()
	c := New(DefaultCapacity, DefaultTTL, WithClock(mock))
	a := addr(t, "10.0.0.1")

	c.MarkSeen(a)
	mock.Add(time.Hour)
	assert.False(t, c.SeenRecently(a))
}

func TestCapacityEvictsEarliestInserted(t *testing.T) {
	c := New(100, DefaultTTL, WithClock(clock.NewMock()))
	for i := 0; i < 101; i++ {
		c.MarkSeen(addr(t, fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)))
	}

	assert.Equal(t, 100, c.Len())
	assert.False(t, c.SeenRecently(addr(t, "10.0.0.1")))
	assert.True(t, c.SeenRecently(addr(t, "10.0.0.2")))
	assert.True(t, c.SeenRecently(addr(t, "10.0.0.101")))
}

func TestReadsDoNotRefreshEvictionOrder(t *testing.T) {
	c := New(2, DefaultTTL, WithClock(clock.NewMock()))
	first, second, third := addr(t, "10.0.0.1"), addr(t, "10.0.0.2"), addr(t, "10.0.0.3")

	c.MarkSeen(first)
	c.MarkSeen(second)
	require.True(t, c.SeenRecently(first))
	c.MarkSeen(third)

	assert.False(t, c.SeenRecently(first))
	assert.True(t, c.SeenRecently(second))
}

func TestSeenOrMark(t *testing.T) {
	mock := clock.NewMock()
	c := New(DefaultCapacity, DefaultTTL, WithClock(mock))
	a := addr(t, "192.168.1.7")

	assert.False(t, c.SeenOrMark(a))
	assert.True(t, c.SeenOrMark(a))

	mock.Add(61 * time.Minute)
	assert.False(t, c.SeenOrMark(a))
}

func TestConcurrentAccessKeepsBound(t *testing.T) {
	c := New(50, DefaultTTL)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a := netip.AddrFrom4([4]byte{10, byte(w), byte(i / 256), byte(i)})
				c.SeenOrMark(a)
				c.SeenRecently(a)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 50, c.Len())
}
