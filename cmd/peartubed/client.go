package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayooooo123/peartube-sub004/coreapi"
)

// rpcClient is a minimal control-plane client for CLI subcommands: it
// dials the running node's websocket endpoint, sends one coreapi.Request,
// and waits for the response with that ID (spec.md §6 "every method
// returns a single response").
type rpcClient struct {
	conn *websocket.Conn
}

func dialControlPlane(addr string) (*rpcClient, error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to node at %s: %w", addr, err)
	}
	return &rpcClient{conn: conn}, nil
}

func (c *rpcClient) Close() error { return c.conn.Close() }

func (c *rpcClient) call(method string, params interface{}) (json.RawMessage, error) {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := coreapi.Request{ID: uuid.NewString(), Method: method, Params: paramsRaw}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			return nil, fmt.Errorf("reading response to %s: %w", method, err)
		}
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.ID != req.ID {
			continue // a server-pushed event interleaved with our response
		}
		var resp coreapi.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, resp.Error)
		}
		result, _ := json.Marshal(resp.Result)
		return result, nil
	}
}
