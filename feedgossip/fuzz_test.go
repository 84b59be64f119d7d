package feedgossip

import (
	"encoding/json"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

// TestDecodeMessageFuzzNeverPanics feeds decodeMessage arbitrary byte
// garbage, the way a misbehaving or out-of-version peer would, and checks
// it never panics (spec.md §7: "malformed messages are ignored, not
// fatal").
func TestDecodeMessageFuzzNeverPanics(t *testing.T) {
	f := fuzz.New().NilChance(0.2).NumElements(0, 64)
	for i := 0; i < 500; i++ {
		var raw []byte
		f.Fuzz(&raw)
		require.NotPanics(t, func() {
			decodeMessage(raw)
		})
	}
}

// TestDecodeMessageFuzzStructuredMessages fuzzes well-formed wireMessage
// values (valid JSON, arbitrary field contents) to exercise decodeMessage's
// switch over every msgType with randomized Keys/Key payloads, rather than
// only the hand-picked fixtures in gossip_test.go.
func TestDecodeMessageFuzzStructuredMessages(t *testing.T) {
	f := fuzz.New().NumElements(0, 8)
	kinds := []msgType{msgHaveFeed, msgSubmitChannel, msgNeedFeed, msgFeedResponse}

	for i := 0; i < 200; i++ {
		w := wireMessage{Type: kinds[i%len(kinds)]}
		f.Fuzz(&w.Keys)
		f.Fuzz(&w.Key)

		raw, err := json.Marshal(w)
		require.NoError(t, err)

		msg, decodeErr := decodeMessage(raw)
		require.NoError(t, decodeErr)

		switch w.Type {
		case msgHaveFeed, msgFeedResponse:
			require.Equal(t, msgHaveFeed, msg.Kind)
		case msgSubmitChannel:
			require.Equal(t, msgSubmitChannel, msg.Kind)
			require.Equal(t, w.Key, msg.Key)
		case msgNeedFeed:
			require.Equal(t, msgNeedFeed, msg.Kind)
		}
	}
}
