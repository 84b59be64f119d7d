// Package coreapi exposes the P2P data plane's control plane to a UI shell:
// a fixed set of named request/response methods plus server-pushed events,
// carried over a websocket connection (spec.md §6). The RPC framing itself
// is treated as a generic request/response + event stream, so any framed
// byte transport could stand in for the websocket used here.
package coreapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayooooo123/peartube-sub004/appendlog"
	"github.com/ayooooo123/peartube-sub004/blobbridge"
	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/driveregistry"
	"github.com/ayooooo123/peartube-sub004/feedgossip"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/perr"
	"github.com/ayooooo123/peartube-sub004/prefetch"
	"github.com/ayooooo123/peartube-sub004/seeding"
)

// Request is one RPC call from the UI (spec.md §6 "a fixed set of named
// methods").
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Event is a server-pushed notification (spec.md §6 "Server-push events").
type Event struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ConnectionCounter is SwarmHost's connection count (spec.md §9 decision:
// peerCount everywhere in this API is the total swarm connection count).
type ConnectionCounter interface {
	ConnectionCount() int
}

// Server is the control-plane endpoint. It implements prefetch.EventSink
// and feedgossip.EventSink so progress and feed updates flow straight
// through to eventVideoStats / eventFeedUpdate pushes.
type Server struct {
	registry *driveregistry.Registry
	conns    ConnectionCounter
	gossip   *feedgossip.Gossip
	engine   *prefetch.Engine
	seed     *seeding.Manager
	bridge   *blobbridge.Bridge

	upgrader websocket.Upgrader
	mu       sync.Mutex
	sockets  map[*websocket.Conn]struct{}
	log      *log.Logger
}

// New wires every core component into one control-plane server.
func New(registry *driveregistry.Registry, conns ConnectionCounter, gossip *feedgossip.Gossip, engine *prefetch.Engine, seed *seeding.Manager, bridge *blobbridge.Bridge) *Server {
	return &Server{
		registry: registry,
		conns:    conns,
		gossip:   gossip,
		engine:   engine,
		seed:     seed,
		bridge:   bridge,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sockets:  make(map[*websocket.Conn]struct{}),
		log:      log.New("component", "coreapi"),
	}
}

// ServeHTTP upgrades the connection and runs the request/response loop
// until the socket closes, pushing eventReady first (spec.md §6 "emitted
// exactly once after core initialisation").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, conn)
		s.mu.Unlock()
	}()

	s.sendEvent(conn, "eventReady", map[string]int{"blobServerPort": s.bridge.Port()})

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// VideoStatsUpdated implements prefetch.EventSink.
func (s *Server) VideoStatsUpdated(channelKey common.ChannelKey, filePath string, stats prefetch.VideoStats) {
	s.broadcast("eventVideoStats", map[string]interface{}{
		"videoId":          stats.VideoID,
		"channelKey":       channelKey.String(),
		"path":             filePath,
		"downloadedBytes":  stats.DownloadedBytes,
		"totalBytes":       stats.TotalBytes,
		"downloadProgress": stats.Progress(),
		"peerCount":        stats.PeerCount,
		"downloadSpeed":    stats.DownloadSpeed,
		"uploadSpeed":      stats.UploadSpeed,
		"status":           stats.Status,
	})
}

// FeedUpdated implements feedgossip.EventSink.
func (s *Server) FeedUpdated() {
	s.broadcast("eventFeedUpdate", struct{}{})
}

func (s *Server) broadcast(eventType string, payload interface{}) {
	s.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		s.sendEvent(c, eventType, payload)
	}
}

func (s *Server) sendEvent(conn *websocket.Conn, eventType string, payload interface{}) {
	evt := Event{ID: uuid.NewString(), Type: eventType, Payload: payload}
	if err := conn.WriteJSON(evt); err != nil {
		s.log.Debug("dropping event, write failed", "type", eventType, "err", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	result, err := s.call(req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Server) call(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "createChannel":
		return s.createChannel()
	case "getPublicFeed":
		return s.getPublicFeed()
	case "refreshFeed":
		return s.refreshFeed()
	case "submitToFeed":
		return s.withChannelKey(params, s.submitToFeed)
	case "hideChannel":
		return s.withChannelKey(params, s.hideChannel)
	case "getChannelMeta":
		return s.withChannelKey(params, s.getChannelMeta)
	case "listVideos":
		return s.withChannelKey(params, s.listVideos)
	case "getVideoUrl":
		return s.getVideoUrl(params)
	case "prefetchVideo":
		return s.prefetchVideo(params)
	case "getVideoStats":
		return s.getVideoStats(params)
	case "getSeedingStatus":
		return s.getSeedingStatus()
	case "pinChannel":
		return s.withChannelKey(params, s.pinChannel)
	case "unpinChannel":
		return s.withChannelKey(params, s.unpinChannel)
	case "getPinnedChannels":
		return s.getPinnedChannels()
	case "getBlobServerPort":
		return map[string]int{"port": s.bridge.Port()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", perr.ErrInvalidPath, method)
	}
}

type channelKeyParams struct {
	ChannelKey string `json:"channelKey"`
}

func (s *Server) withChannelKey(raw json.RawMessage, fn func(common.ChannelKey) (interface{}, error)) (interface{}, error) {
	var p channelKeyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding params: %v", perr.ErrInvalidKey, err)
	}
	key, err := common.ParseChannelKey(p.ChannelKey)
	if err != nil {
		return nil, err
	}
	return fn(key)
}

// createChannel implements spec.md §4.1's create(): generate a new owner
// drive, join its discovery topic, and persist the new channel key under
// the "identity" KV key (spec.md §6). Only the public key is saved; the
// drive's secret key is not written anywhere, so after a restart the node
// remembers the channel but cannot write to it.
func (s *Server) createChannel() (interface{}, error) {
	_, key, err := s.registry.Create(context.Background())
	if err != nil {
		return nil, err
	}
	if err := s.seed.SaveIdentity(key); err != nil {
		s.log.Warn("failed to persist new channel identity", "channelKey", key.String(), "err", err)
	}
	return map[string]string{"channelKey": key.String()}, nil
}

func (s *Server) getPublicFeed() (interface{}, error) {
	entries := s.gossip.List()
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{"channelKey": e.Key.String()})
	}
	return map[string]interface{}{
		"entries": out,
		"stats": map[string]interface{}{
			"totalEntries": len(entries),
			"hiddenCount":  s.gossip.HiddenCount(),
			"peerCount":    s.conns.ConnectionCount(),
		},
	}, nil
}

func (s *Server) refreshFeed() (interface{}, error) {
	s.gossip.RequestFromPeers()
	return map[string]interface{}{"success": true, "peerCount": s.conns.ConnectionCount()}, nil
}

func (s *Server) submitToFeed(key common.ChannelKey) (interface{}, error) {
	return map[string]bool{"success": s.gossip.Submit(key)}, nil
}

func (s *Server) hideChannel(key common.ChannelKey) (interface{}, error) {
	s.gossip.Hide(key)
	return map[string]bool{"success": true}, nil
}

type channelJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
}

func (s *Server) getChannelMeta(key common.ChannelKey) (interface{}, error) {
	drive, err := s.openDrive(key)
	if err != nil {
		return nil, err
	}
	var meta channelJSON
	if raw, ok := drive.ReadFile("/channel.json"); ok {
		json.Unmarshal(raw, &meta)
	}
	videoCount := len(drive.ListPaths("/videos/"))
	return map[string]interface{}{
		"name":        meta.Name,
		"description": meta.Description,
		"videoCount":  videoCount,
	}, nil
}

type videoJSON struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Path        string `json:"path"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	UploadedAt  int64  `json:"uploadedAt"`
}

func (s *Server) listVideos(key common.ChannelKey) (interface{}, error) {
	drive, err := s.openDrive(key)
	if err != nil {
		return nil, err
	}
	paths := drive.ListPaths("/videos/")
	videos := make([]map[string]interface{}, 0, len(paths))
	for _, p := range paths {
		if len(p) < 6 || p[len(p)-5:] != ".json" {
			continue
		}
		raw, ok := drive.ReadFile(p)
		if !ok {
			continue
		}
		var v videoJSON
		if json.Unmarshal(raw, &v) != nil {
			continue
		}
		videos = append(videos, map[string]interface{}{
			"id": v.ID, "title": v.Title, "description": v.Description,
			"path": v.Path, "mimeType": v.MimeType, "size": v.Size,
			"uploadedAt": v.UploadedAt, "channelKey": key.String(),
		})
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i]["uploadedAt"].(int64) > videos[j]["uploadedAt"].(int64)
	})
	return map[string]interface{}{"videos": videos}, nil
}

type channelAndVideo struct {
	ChannelKey string `json:"channelKey"`
	VideoID    string `json:"videoId"`
}

func (s *Server) resolveVideoPath(raw json.RawMessage) (common.ChannelKey, *videoJSON, error) {
	var p channelAndVideo
	if err := json.Unmarshal(raw, &p); err != nil {
		return common.ZeroKey, nil, fmt.Errorf("%w: decoding params: %v", perr.ErrInvalidKey, err)
	}
	key, err := common.ParseChannelKey(p.ChannelKey)
	if err != nil {
		return common.ZeroKey, nil, err
	}
	drive, err := s.openDrive(key)
	if err != nil {
		return key, nil, err
	}
	metaRaw, ok := drive.ReadFile(fmt.Sprintf("/videos/%s.json", p.VideoID))
	if !ok {
		return key, nil, perr.ErrNotFound
	}
	var v videoJSON
	if err := json.Unmarshal(metaRaw, &v); err != nil {
		return key, nil, fmt.Errorf("%w: %v", perr.ErrInternal, err)
	}
	return key, &v, nil
}

func (s *Server) getVideoUrl(raw json.RawMessage) (interface{}, error) {
	key, v, err := s.resolveVideoPath(raw)
	if err != nil {
		return nil, err
	}
	// Content-Type is set by the caller constructing the link (spec.md §4.6,
	// §6), not sniffed by BlobBridge — carry VideoMeta.MimeType along as a
	// query parameter so the bridge's handler can set the header from it.
	link := fmt.Sprintf("http://127.0.0.1:%d/%s%s?mimeType=%s", s.bridge.Port(), key.String(), v.Path, url.QueryEscape(v.MimeType))
	return map[string]string{"url": link}, nil
}

func (s *Server) prefetchVideo(raw json.RawMessage) (interface{}, error) {
	var p channelAndVideo
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding params: %v", perr.ErrInvalidKey, err)
	}
	key, err := common.ParseChannelKey(p.ChannelKey)
	if err != nil {
		return nil, err
	}
	_, v, err := s.resolveVideoPath(raw)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	_, err = s.engine.Prefetch(ctx, key, v.Path, v.ID)
	return map[string]bool{"success": err == nil}, nil
}

func (s *Server) getVideoStats(raw json.RawMessage) (interface{}, error) {
	_, v, err := s.resolveVideoPath(raw)
	var p channelAndVideo
	json.Unmarshal(raw, &p)
	key, kerr := common.ParseChannelKey(p.ChannelKey)
	if kerr != nil {
		return nil, kerr
	}
	if err != nil {
		return map[string]interface{}{"stats": prefetch.VideoStats{Status: prefetch.StatusUnknown, PeerCount: s.conns.ConnectionCount()}}, nil
	}
	return map[string]interface{}{"stats": s.engine.GetStats(key, v.Path)}, nil
}

func (s *Server) getSeedingStatus() (interface{}, error) {
	status := s.seed.GetStatus()
	return map[string]interface{}{
		"status": map[string]interface{}{
			"enabled":      status.Config.AutoSeedWatched || status.Config.AutoSeedSubscribed,
			"usedStorage":  status.StorageUsedBytes,
			"maxStorage":   status.MaxStorageGB,
			"seedingCount": status.ActiveSeeds,
		},
	}, nil
}

func (s *Server) pinChannel(key common.ChannelKey) (interface{}, error) {
	s.seed.Pin(key)
	return map[string]bool{"success": true}, nil
}

func (s *Server) unpinChannel(key common.ChannelKey) (interface{}, error) {
	s.seed.Unpin(key)
	return map[string]bool{"success": true}, nil
}

func (s *Server) getPinnedChannels() (interface{}, error) {
	status := s.seed.GetStatus()
	keys := make([]string, 0, len(status.PinnedChannels))
	for _, k := range status.PinnedChannels {
		keys = append(keys, k.String())
	}
	return map[string]interface{}{"pinnedChannels": keys}, nil
}

func (s *Server) openDrive(key common.ChannelKey) (*appendlog.Drive, error) {
	return s.registry.Open(context.Background(), key, driveregistry.OpenOptions{WaitForSync: true})
}
