package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"
)

var feedCommand = cli.Command{
	Name:  "feed",
	Usage: "Inspect and manage the public channel feed",
	Subcommands: []cli.Command{
		{
			Name:      "submit",
			Usage:     "Submit a channel key to the feed",
			ArgsUsage: "<channelKey>",
			Action:    feedSubmitAction,
		},
		{
			Name:      "hide",
			Usage:     "Hide a channel key from the feed",
			ArgsUsage: "<channelKey>",
			Action:    feedHideAction,
		},
		{
			Name:   "list",
			Usage:  "List visible feed entries",
			Action: feedListAction,
		},
	},
}

func withClient(ctx *cli.Context, fn func(*rpcClient) error) error {
	c, err := dialControlPlane(ctx.GlobalString(controlFlag.Name))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func feedSubmitAction(ctx *cli.Context) error {
	key := ctx.Args().First()
	if key == "" {
		return fmt.Errorf("usage: peartubed feed submit <channelKey>")
	}
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("submitToFeed", map[string]string{"channelKey": key})
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	})
}

func feedHideAction(ctx *cli.Context) error {
	key := ctx.Args().First()
	if key == "" {
		return fmt.Errorf("usage: peartubed feed hide <channelKey>")
	}
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("hideChannel", map[string]string{"channelKey": key})
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	})
}

type feedEntryView struct {
	ChannelKey string `json:"channelKey"`
}

func feedListAction(ctx *cli.Context) error {
	return withClient(ctx, func(c *rpcClient) error {
		raw, err := c.call("getPublicFeed", map[string]string{})
		if err != nil {
			return err
		}
		var payload struct {
			Entries []feedEntryView `json:"entries"`
			Stats   struct {
				TotalEntries int `json:"totalEntries"`
				HiddenCount  int `json:"hiddenCount"`
				PeerCount    int `json:"peerCount"`
			} `json:"stats"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Channel Key"})
		for _, e := range payload.Entries {
			table.Append([]string{e.ChannelKey})
		}
		table.Render()
		fmt.Printf("entries=%d hidden=%d peers=%d\n", payload.Stats.TotalEntries, payload.Stats.HiddenCount, payload.Stats.PeerCount)
		return nil
	})
}
