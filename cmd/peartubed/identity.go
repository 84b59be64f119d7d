package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/urfave/cli.v1"
)

var identityCommand = cli.Command{
	Name:  "identity",
	Usage: "Create and inspect this node's own channels",
	Subcommands: []cli.Command{
		{
			Name:   "create",
			Usage:  "Create a new owned channel (drive) and join its discovery topic",
			Action: identityCreateAction,
		},
	},
}

func identityCreateAction(ctx *cli.Context) error {
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("createChannel", map[string]string{})
		if err != nil {
			return err
		}
		var payload struct {
			ChannelKey string `json:"channelKey"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		fmt.Printf("channelKey=%s\n", payload.ChannelKey)
		return nil
	})
}
