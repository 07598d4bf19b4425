package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scriptgate/scriptgate/internal/client"
)

func newScriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List scripts the current policy allows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			scripts, err := c.ListScripts(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range scripts {
				line := s.Path
				if len(s.AllowedFlags) > 0 {
					line += "\t" + strings.Join(s.AllowedFlags, ",")
				}
				if s.Rule != "" {
					line += "\t(" + s.Rule + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

func newExecutionsCmd() *cobra.Command {
	var (
		sessionID string
		path      string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			q := url.Values{}
			if sessionID != "" {
				q.Set("session_id", sessionID)
			}
			if path != "" {
				q.Set("path", path)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			recs, err := c.ListExecutions(cmd.Context(), q)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\texit=%d\t%dms\t%s\n",
					r.Timestamp.Format("2006-01-02T15:04:05Z"), r.ID, r.ExitCode, r.DurationMs, r.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Filter by session")
	cmd.Flags().StringVar(&path, "path", "", "Filter by script path")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows to return")
	return cmd
}
