package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/handlers"
)

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var (
		sessions bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show connections and live topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts, auth.ScopeAdmin)
			if err != nil {
				return err
			}
			path := "/v1/stats"
			if sessions {
				path += "?sessions=true"
			}
			var resp handlers.StatsResponse
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			fmt.Fprintf(out, "version:     %s\n", resp.Version.String())
			fmt.Fprintf(out, "connections: %d (target %d, limit %d, over target %t)\n",
				resp.Connections, resp.ConnectionTarget, resp.ConnectionLimit, resp.OverTarget)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tSUBSCRIBERS\tFORWARDED")
			for _, t := range resp.Topics {
				fmt.Fprintf(w, "%s\t%d\t%d\n", t.Topic, t.Subscribers, t.Forwarded)
			}
			if sessions {
				fmt.Fprintln(w, "\nSESSION\tSTATE\tTOPICS\tDELIVERED\tDUPLICATES")
				for _, s := range resp.Sessions {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.ID, s.State, len(s.Topics), s.Delivered, s.Duplicates)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&sessions, "sessions", false, "Include per-session counters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw response")
	return cmd
}
