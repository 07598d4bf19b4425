// Package cli implements the scriptgate command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scriptgate",
		Short:         "scriptgate: policy-gated script execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("scriptgate {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("SCRIPTGATE_SERVER", "http://127.0.0.1:8080"), "scriptgate server base URL")
	cmd.PersistentFlags().String("api-key", getenvDefault("SCRIPTGATE_API_KEY", ""), "API key (sent as X-API-Key)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newScriptsCmd())
	cmd.AddCommand(newExecutionsCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newEventsCmd())

	return cmd
}

type clientConfig struct {
	serverAddr string
	apiKey     string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:8080"
	}
	return &clientConfig{serverAddr: serverAddr, apiKey: apiKey}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
