package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scriptgate/scriptgate/internal/client"
	"github.com/scriptgate/scriptgate/pkg/types"
)

func newCheckCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "check PATH [ARGS...]",
		Short: "Ask whether a script would be allowed to run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			resp, err := c.Check(cmd.Context(), types.CheckRequest{
				Path:      args[0],
				Args:      args[1:],
				SessionID: sessionID,
			})
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !resp.Allowed {
				return &ExitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier (enables overlays and the session fallback)")
	return cmd
}
