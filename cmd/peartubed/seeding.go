package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/urfave/cli.v1"
)

var seedingCommand = cli.Command{
	Name:  "seeding",
	Usage: "Inspect and manage seeded files",
	Subcommands: []cli.Command{
		{
			Name:   "status",
			Usage:  "Show seeding quota and active seed count",
			Action: seedingStatusAction,
		},
		{
			Name:      "pin",
			Usage:     "Add a channel to the pinned-channel set",
			ArgsUsage: "<channelKey>",
			Action:    seedingPinAction,
		},
		{
			Name:      "unpin",
			Usage:     "Unpin a channel",
			ArgsUsage: "<channelKey>",
			Action:    seedingUnpinAction,
		},
	},
}

func seedingStatusAction(ctx *cli.Context) error {
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("getSeedingStatus", map[string]string{})
		if err != nil {
			return err
		}
		var payload struct {
			Status struct {
				Enabled      bool   `json:"enabled"`
				UsedStorage  uint64 `json:"usedStorage"`
				MaxStorage   int    `json:"maxStorage"`
				SeedingCount int    `json:"seedingCount"`
			} `json:"status"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		fmt.Printf("enabled=%v usedBytes=%d maxStorageGB=%d activeSeeds=%d\n",
			payload.Status.Enabled, payload.Status.UsedStorage, payload.Status.MaxStorage, payload.Status.SeedingCount)
		return nil
	})
}

func seedingPinAction(ctx *cli.Context) error {
	key := ctx.Args().First()
	if key == "" {
		return fmt.Errorf("usage: peartubed seeding pin <channelKey>")
	}
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("pinChannel", map[string]string{"channelKey": key})
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	})
}

func seedingUnpinAction(ctx *cli.Context) error {
	key := ctx.Args().First()
	if key == "" {
		return fmt.Errorf("usage: peartubed seeding unpin <channelKey>")
	}
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("unpinChannel", map[string]string{"channelKey": key})
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	})
}
