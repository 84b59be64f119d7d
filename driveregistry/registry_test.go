package driveregistry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/perr"
)

type fakeJoiner struct {
	joined map[[32]byte]int
}

func newFakeJoiner() *fakeJoiner { return &fakeJoiner{joined: make(map[[32]byte]int)} }

func (f *fakeJoiner) Join(ctx context.Context, topic [32]byte) error {
	f.joined[topic]++
	return nil
}

func TestOpenRejectsInvalidKey(t *testing.T) {
	r := New("", newFakeJoiner())
	_, err := r.Open(context.Background(), common.ZeroKey, OpenOptions{})
	require.ErrorIs(t, err, perr.ErrInvalidKey)
}

func TestCreateThenOpenReturnsSameHandle(t *testing.T) {
	j := newFakeJoiner()
	r := New("", j)

	d, key, err := r.Create(context.Background())
	require.NoError(t, err)
	require.True(t, d.Writable())

	again, err := r.Open(context.Background(), key, OpenOptions{})
	require.NoError(t, err)
	require.Same(t, d, again)

	// Single-drive invariant (spec.md §8): no duplicate opens per key.
	require.Equal(t, 1, j.joined[d.DiscoveryKey()])
}

func TestOpenWaitForSyncSwallowsTimeout(t *testing.T) {
	r := New("", newFakeJoiner())
	key := common.MustParseChannelKey(strings.Repeat("bb", 32))

	start := time.Now()
	d, err := r.Open(context.Background(), key, OpenOptions{WaitForSync: true, SyncTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, d.Writable())
	require.WithinDuration(t, start.Add(20*time.Millisecond), time.Now(), 100*time.Millisecond)
}

func TestConcurrentOpenIsSingleInstance(t *testing.T) {
	r := New("", newFakeJoiner())
	key := r.mustKeyForTest()

	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		go func() {
			d, err := r.Open(context.Background(), key, OpenOptions{})
			results <- err == nil && d != nil
		}()
	}
	var first string
	for i := 0; i < 8; i++ {
		<-results
	}
	d, _ := r.Open(context.Background(), key, OpenOptions{})
	first = d.Key().String()
	require.Len(t, r.byKey, 1)
	require.Equal(t, key.String(), first)
}

func (r *Registry) mustKeyForTest() common.ChannelKey {
	return common.MustParseChannelKey(strings.Repeat("cc", 32))
}
