package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scriptgate/scriptgate/internal/client"
	"github.com/scriptgate/scriptgate/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and mutate the live policy (admin)",
	}

	cmd.AddCommand(newPolicyShowCmd())
	cmd.AddCommand(newPolicyAddRuleCmd())
	cmd.AddCommand(newPolicyRemoveRuleCmd())
	cmd.AddCommand(newPolicyAssignCmd())
	cmd.AddCommand(newPolicyUnassignCmd())
	cmd.AddCommand(newPolicyReloadCmd())
	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)
			doc, err := c.GetPolicy(cmd.Context())
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(doc, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newPolicyAddRuleCmd() *cobra.Command {
	var (
		ruleType     string
		path         string
		scopeRoot    string
		patterns     []string
		flagsAllowed []string
		flagsDenied  []string
		ttlSec       int
		label        string
		note         string
	)

	cmd := &cobra.Command{
		Use:   "add-rule",
		Short: "Add a path or scope rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			rule := policy.Rule{
				Type:         policy.RuleType(ruleType),
				Path:         path,
				ScopeRoot:    scopeRoot,
				Patterns:     patterns,
				FlagsAllowed: flagsAllowed,
				FlagsDenied:  flagsDenied,
				TTLSec:       ttlSec,
				Label:        label,
				Note:         note,
			}
			out, err := c.AddRule(cmd.Context(), rule)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().StringVar(&ruleType, "type", "path", "Rule type: path|scope")
	cmd.Flags().StringVar(&path, "path", "", "Script path (path rules)")
	cmd.Flags().StringVar(&scopeRoot, "scope-root", "", "Scope root directory (scope rules)")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Glob over paths relative to the scope root (repeatable)")
	cmd.Flags().StringArrayVar(&flagsAllowed, "allow-flag", nil, "Restrict allowed flags to this set (repeatable)")
	cmd.Flags().StringArrayVar(&flagsDenied, "deny-flag", nil, "Deny a specific flag (repeatable)")
	cmd.Flags().IntVar(&ttlSec, "ttl", 0, "Rule lifetime in seconds (0 = permanent)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label")
	cmd.Flags().StringVar(&note, "note", "", "Free-form note")
	return cmd
}

func newPolicyRemoveRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-rule RULE_ID",
		Short: "Remove a rule by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)
			return c.RemoveRule(cmd.Context(), args[0])
		},
	}
}

func newPolicyAssignCmd() *cobra.Command {
	var (
		profile   string
		path      string
		scopeRoot string
		patterns  []string
		ttlSec    int
	)

	cmd := &cobra.Command{
		Use:   "assign SESSION_ID",
		Short: "Assign a profile overlay to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			overlay := policy.Overlay{
				SessionID: args[0],
				Profile:   profile,
				Path:      path,
				ScopeRoot: scopeRoot,
				Patterns:  patterns,
				TTLSec:    ttlSec,
			}
			out, err := c.AssignOverlay(cmd.Context(), overlay)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Profile name (required)")
	cmd.Flags().StringVar(&path, "path", "", "Restrict the overlay to one script")
	cmd.Flags().StringVar(&scopeRoot, "scope-root", "", "Restrict the overlay to a scope root")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Glob over paths relative to the scope root (repeatable)")
	cmd.Flags().IntVar(&ttlSec, "ttl", 0, "Overlay lifetime in seconds (default 900)")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func newPolicyUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign OVERLAY_ID",
		Short: "Remove an overlay by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)
			return c.RemoveOverlay(cmd.Context(), args[0])
		},
	}
}

func newPolicyReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the policy document from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)
			return c.ReloadPolicy(cmd.Context())
		},
	}
}
