package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scriptgate/scriptgate/internal/client"
)

func newEventsCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the live event feed (SSE, admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			body, err := c.StreamEvents(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			defer body.Close()

			var event string
			sc := bufio.NewScanner(body)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				switch {
				case strings.HasPrefix(line, "event: "):
					event = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					if event == "event" {
						fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(line, "data: "))
					}
				}
			}
			return sc.Err()
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Only events for this session")
	return cmd
}
