package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/barrhawk/fleetbridge/pkg/igor"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// The frank subcommand runs a stub executor: it registers with the hub
// and answers the browser.* and tool.* vocabulary with echo semantics,
// so a cluster can be exercised end-to-end without real browser
// automation. Real executors implement the same wire contract.
var frankCmd = &cobra.Command{
	Use:   "frank",
	Short: "Run a stub executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := os.Getenv("FRANK_ID")
		if id == "" {
			id = "frank"
		}
		bridgeURL := os.Getenv("FRANK_BRIDGE_URL")
		if bridgeURL == "" {
			bridgeURL = "ws://localhost:8787/ws"
		}

		client := igor.NewClient(igor.ClientConfig{
			ID:        types.ComponentID(id),
			Version:   "2026-01-21-v11",
			BridgeURL: bridgeURL,
			AuthToken: os.Getenv("FRANK_AUTH_TOKEN"),
			Heartbeat: 30 * time.Second,
		})

		logger := log.WithComponent("frank")

		reply := func(cause *types.Message, msgType string, payload map[string]any) {
			msg := types.NewMessage(types.ComponentID(id), cause.Source, msgType, payload)
			msg.CorrelationID = cause.ID
			if err := client.Send(msg); err != nil {
				logger.Debug().Err(err).Str("type", msgType).Msg("reply failed")
			}
		}

		// browser.* requests echo success; the request id threads back
		// as the response correlation id
		pairs := map[string]string{
			"browser.launch":     "browser.launched",
			"browser.navigate":   "browser.navigated",
			"browser.click":      "browser.clicked",
			"browser.type":       "browser.typed",
			"browser.select":     "browser.selected",
			"browser.screenshot": "browser.captured",
			"browser.close":      "browser.closed",
			"browser.extract":    "browser.extracted",
		}
		for request, response := range pairs {
			request, response := request, response
			client.Handle(request, func(msg *types.Message) {
				payload := map[string]any{"ok": true}
				for k, v := range msg.Payload {
					payload[k] = v
				}
				reply(msg, response, payload)
			})
		}

		client.Handle("tool.list", func(msg *types.Message) {
			reply(msg, "tool.listed", map[string]any{"tools": []any{}})
		})
		client.Handle("tool.invoke", func(msg *types.Message) {
			reply(msg, "tool.invoked", map[string]any{"ok": true, "tool": msg.PayloadString("tool")})
		})

		fmt.Printf("frank %s connecting to %s\n", id, bridgeURL)
		ctx := signalContext()
		client.Start(ctx)
		<-ctx.Done()
		return nil
	},
}
