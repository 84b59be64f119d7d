// Package feedgossip implements the public-feed discovery protocol: it
// announces and receives known channel keys via a small JSON-encoded
// message protocol multiplexed on the swarm.peartube-feed logical channel,
// deduplicates, hides blacklisted keys, and re-gossips on change (spec.md
// §4.3).
package feedgossip

import (
	"encoding/json"
	"fmt"

	"github.com/ayooooo123/peartube-sub004/common"
)

// msgType enumerates the feed protocol's message tags (spec.md §4.3).
// Modeling this as a closed sum type with a single exhaustive switch at
// decode time (see decodeMessage) replaces the dynamic duck-typed
// "msg.type" dispatch spec.md §9 flags for re-architecture.
type msgType string

const (
	msgHaveFeed      msgType = "HAVE_FEED"
	msgSubmitChannel msgType = "SUBMIT_CHANNEL"
	msgNeedFeed      msgType = "NEED_FEED"      // legacy
	msgFeedResponse  msgType = "FEED_RESPONSE" // legacy alias of HAVE_FEED
)

// wireMessage is the envelope every frame on the feed channel carries.
type wireMessage struct {
	Type msgType           `json:"type"`
	Keys []common.ChannelKey `json:"keys,omitempty"`
	Key  common.ChannelKey   `json:"key,omitempty"`
}

// decodedMessage is the exhaustively-matched sum type decodeMessage
// produces; callers switch on Kind instead of re-inspecting JSON.
type decodedMessage struct {
	Kind msgType
	Keys []common.ChannelKey
	Key  common.ChannelKey
}

func decodeMessage(raw []byte) (decodedMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return decodedMessage{}, fmt.Errorf("%w", errMalformed)
	}
	switch w.Type {
	case msgHaveFeed, msgFeedResponse:
		return decodedMessage{Kind: msgHaveFeed, Keys: w.Keys}, nil
	case msgSubmitChannel:
		return decodedMessage{Kind: msgSubmitChannel, Key: w.Key}, nil
	case msgNeedFeed:
		return decodedMessage{Kind: msgNeedFeed}, nil
	default:
		return decodedMessage{}, fmt.Errorf("%w: unknown message type %q", errMalformed, w.Type)
	}
}

func encodeHaveFeed(keys []common.ChannelKey) []byte {
	b, _ := json.Marshal(wireMessage{Type: msgHaveFeed, Keys: keys})
	return b
}

func encodeSubmitChannel(key common.ChannelKey) []byte {
	b, _ := json.Marshal(wireMessage{Type: msgSubmitChannel, Key: key})
	return b
}

func encodeNeedFeed() []byte {
	b, _ := json.Marshal(wireMessage{Type: msgNeedFeed})
	return b
}
