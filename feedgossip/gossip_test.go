package feedgossip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/swarm"
)

func testKey(b byte) common.ChannelKey {
	hexByte := string([]byte{hexDigit(b >> 4), hexDigit(b & 0xf)})
	return common.MustParseChannelKey(strings.Repeat(hexByte, 32))
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + (n - 10)
}

type fakeBroadcaster struct {
	sent    [][]byte
	exclude [][]string
}

func (f *fakeBroadcaster) Broadcast(frame []byte, exclude ...string) {
	f.sent = append(f.sent, frame)
	f.exclude = append(f.exclude, exclude)
}

type fakeSink struct{ n int }

func (f *fakeSink) FeedUpdated() { f.n++ }

func TestSubmitThenListRoundTrip(t *testing.T) {
	b := &fakeBroadcaster{}
	sink := &fakeSink{}
	g := New(b, sink)

	key := testKey(0xaa)
	require.True(t, g.Submit(key))

	entries := g.List()
	require.Len(t, entries, 1)
	require.Equal(t, key, entries[0].Key)
	require.Equal(t, "local", entries[0].Source)
	require.Equal(t, 1, sink.n)
	require.Len(t, b.sent, 1)
}

func TestAddEntryIsIdempotent(t *testing.T) {
	g := New(nil, nil)
	key := testKey(0xbb)

	require.True(t, g.addEntry(key, "peer"))
	require.False(t, g.addEntry(key, "peer"))
	require.Len(t, g.List(), 1)
}

func TestHideSticksAcrossRearrival(t *testing.T) {
	g := New(nil, nil)
	key := testKey(0xcc)

	require.True(t, g.addEntry(key, "peer"))
	g.Hide(key)
	require.Empty(t, g.List())

	// A later HAVE_FEED re-announcing the same key must not revive it.
	require.False(t, g.addEntry(key, "peer"))
	require.Empty(t, g.List())
	require.Equal(t, 1, g.HiddenCount())
}

func TestInvalidKeyRejectedBySubmit(t *testing.T) {
	g := New(nil, nil)
	require.False(t, g.Submit(common.ZeroKey))
	require.Empty(t, g.List())
}

func TestOnMessageHaveFeedAddsKeys(t *testing.T) {
	g := New(nil, nil)
	k1, k2 := testKey(1), testKey(2)

	raw := encodeHaveFeed([]common.ChannelKey{k1, k2})
	g.OnMessage(&swarm.Conn{}, raw)

	entries := g.List()
	require.Len(t, entries, 2)
}

func TestOnMessageSubmitChannelRegossipsExcludingSender(t *testing.T) {
	b := &fakeBroadcaster{}
	g := New(b, nil)
	key := testKey(3)

	sender := &swarm.Conn{}
	raw := encodeSubmitChannel(key)
	g.OnMessage(sender, raw)

	require.Len(t, b.sent, 1)
	require.Contains(t, b.exclude[0], sender.ID())
}

func TestOnMessageSubmitChannelNoRegossipOnDuplicate(t *testing.T) {
	b := &fakeBroadcaster{}
	g := New(b, nil)
	key := testKey(4)

	sender := &swarm.Conn{}
	raw := encodeSubmitChannel(key)
	g.OnMessage(sender, raw)
	g.OnMessage(sender, raw)

	// Second SUBMIT_CHANNEL for an already-known key must not re-gossip.
	require.Len(t, b.sent, 1)
}

func TestOnMessageMalformedIsIgnoredNotFatal(t *testing.T) {
	g := New(nil, nil)
	c := &swarm.Conn{}

	require.NotPanics(t, func() {
		g.OnMessage(c, []byte("not json"))
		g.OnMessage(c, []byte(`{"type":"BOGUS"}`))
	})
	require.Empty(t, g.List())
}

func TestOnConnCloseRemovesPeer(t *testing.T) {
	g := New(nil, nil)
	c := &swarm.Conn{}

	g.peers[c.ID()] = c
	g.OnConnClose(c)

	require.NotContains(t, g.peers, c.ID())
}

func TestDecodeMessageLegacyFeedResponseAliasesHaveFeed(t *testing.T) {
	raw := []byte(`{"type":"FEED_RESPONSE","keys":[]}`)
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, msgHaveFeed, msg.Kind)
}

func TestDecodeMessageUnknownTypeIsMalformed(t *testing.T) {
	_, err := decodeMessage([]byte(`{"type":"WAT"}`))
	require.ErrorIs(t, err, errMalformed)
}
