package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scriptgate/scriptgate/internal/client"
	"github.com/scriptgate/scriptgate/pkg/types"
)

func newRunCmd() *cobra.Command {
	var (
		sessionID string
		timeoutMs int
		token     string
		noCheck   bool
		stream    bool
		envPairs  []string
	)

	cmd := &cobra.Command{
		Use:   "run PATH [ARGS...]",
		Short: "Execute an allowed script through the gateway",
		Long:  "Execute an allowed script. Unless --no-check is given, a check is performed first and its preflight token attached to the run.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)
			ctx := cmd.Context()

			req := types.RunRequest{
				Path:           args[0],
				Args:           args[1:],
				SessionID:      sessionID,
				TimeoutMs:      timeoutMs,
				PreflightToken: token,
				Env:            parseEnvPairs(envPairs),
			}

			if req.PreflightToken == "" && !noCheck {
				check, err := c.Check(ctx, types.CheckRequest{
					Path: req.Path, Args: req.Args, SessionID: req.SessionID,
				})
				if err != nil {
					return err
				}
				if !check.Allowed {
					out, _ := json.MarshalIndent(check, "", "  ")
					fmt.Fprintln(cmd.ErrOrStderr(), string(out))
					return &ExitError{code: 1, message: "denied: " + strings.Join(check.Reasons, "; ")}
				}
				req.PreflightToken = check.PreflightToken
			}

			if stream {
				return streamRun(cmd, c, req)
			}

			resp, err := c.Run(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), resp.Stderr)
			if resp.Truncated {
				fmt.Fprintf(cmd.ErrOrStderr(), "[output truncated, full log: %s]\n", resp.LogPath)
			}
			if resp.ExitCode != 0 {
				return &ExitError{code: resp.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "Execution timeout in milliseconds (clamped by policy)")
	cmd.Flags().StringVar(&token, "preflight-token", "", "Preflight token from an earlier check")
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "Skip the automatic check before running")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream output lines as they are produced")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "Environment variable KEY=VALUE (repeatable, subject to the allowlist)")
	return cmd
}

func parseEnvPairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if k, v, ok := strings.Cut(p, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// streamRun consumes the SSE stream, printing stdout/stderr lines as they
// arrive and exiting with the script's exit code from the terminal event.
func streamRun(cmd *cobra.Command, c *client.Client, req types.RunRequest) error {
	body, err := c.RunStream(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer body.Close()

	var event string
	exitCode := 0
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "stdout", "stderr":
				var payload struct {
					Line string `json:"line"`
				}
				if json.Unmarshal([]byte(data), &payload) == nil {
					w := cmd.OutOrStdout()
					if event == "stderr" {
						w = cmd.ErrOrStderr()
					}
					fmt.Fprintln(w, payload.Line)
				}
			case "end", "error":
				var resp types.RunResponse
				if json.Unmarshal([]byte(data), &resp) == nil {
					exitCode = resp.ExitCode
					if resp.Truncated {
						fmt.Fprintf(cmd.ErrOrStderr(), "[output truncated, full log: %s]\n", resp.LogPath)
					}
					if resp.Error != nil {
						return &ExitError{code: 1, message: resp.Error.Message}
					}
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if exitCode != 0 {
		return &ExitError{code: exitCode}
	}
	return nil
}
