package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/handlers"
)

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var (
		id       string
		typ      string
		retracts string
	)
	cmd := &cobra.Command{
		Use:   "publish <topic> [json-data]",
		Short: "Publish an event to a topic",
		Example: `  gatewayctl publish foo '{"n":1}' --id 7
  gatewayctl publish foo --retracts 7`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retracts != "" && !cmd.Flags().Changed("type") {
				typ = string(event.TypeRetract)
			}
			req := handlers.PublishRequest{
				Topic:    args[0],
				ID:       id,
				Type:     typ,
				Retracts: retracts,
			}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("data is not valid json")
				}
				req.Data = json.RawMessage(args[1])
			}
			client, err := newAPIClient(opts, auth.ScopePublish)
			if err != nil {
				return err
			}
			var resp handlers.PublishResponse
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/publish", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Status, resp.Topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Publisher event id, used for dedupe")
	cmd.Flags().StringVar(&typ, "type", "event", "Event type; defaults to retract when --retracts is set")
	cmd.Flags().StringVar(&retracts, "retracts", "", "Id of the event a retraction withdraws")
	return cmd
}
