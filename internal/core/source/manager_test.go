package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerGetOrCreateReturnsSameSourceForSameKey(t *testing.T) {
	m := NewManager(nil)

	ls1, created1 := m.GetOrCreate("live/test", Config{}, NewHub(nil), 30*time.Second)
	require.True(t, created1)

	ls2, created2 := m.GetOrCreate("live/test", Config{}, NewHub(nil), 30*time.Second)
	require.False(t, created2)
	require.Same(t, ls1, ls2)
	require.Equal(t, 1, m.Count())
}

func TestManagerReapOnceCollectsDeadIdleSource(t *testing.T) {
	m := NewManager(nil)
	ls, _ := m.GetOrCreate("live/test", Config{}, NewHub(nil), 1*time.Millisecond)

	require.NoError(t, ls.Publish(PublishRequest{}))
	ls.Unpublish()

	dieAt, pending := ls.DieAt()
	require.True(t, pending)

	// Floor is 3s regardless of the configured 1ms dispose delay: "now"
	// one second later must not yet collect it.
	m.reapOnce(dieAt.Add(1 * time.Second))
	require.Equal(t, 1, m.Count())

	m.reapOnce(dieAt.Add(4 * time.Second))
	require.Equal(t, 0, m.Count())
}

func TestManagerReapOnceSparesSourceWithConsumers(t *testing.T) {
	m := NewManager(nil)
	ls, _ := m.GetOrCreate("live/test", Config{}, NewHub(nil), 1*time.Millisecond)

	require.NoError(t, ls.Publish(PublishRequest{}))
	c := ls.CreateConsumer()
	defer c.Close()
	ls.Unpublish()

	dieAt, _ := ls.DieAt()
	m.reapOnce(dieAt.Add(10 * time.Second))
	require.Equal(t, 1, m.Count(), "a source with an attached consumer must survive the reaper")
}

func TestManagerReapOnceSparesRepublishedSource(t *testing.T) {
	m := NewManager(nil)
	ls, _ := m.GetOrCreate("live/test", Config{}, NewHub(nil), 1*time.Millisecond)

	require.NoError(t, ls.Publish(PublishRequest{}))
	ls.Unpublish()
	dieAt, _ := ls.DieAt()

	require.NoError(t, ls.Publish(PublishRequest{}))

	m.reapOnce(dieAt.Add(10 * time.Second))
	require.Equal(t, 1, m.Count(), "a republished source must not be reaped")
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(nil)
	m.GetOrCreate("live/test", Config{}, NewHub(nil), 30*time.Second)
	require.Equal(t, 1, m.Count())

	m.Remove("live/test")
	require.Equal(t, 0, m.Count())
	require.Nil(t, m.Get("live/test"))
}
