package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
)

var (
	policyOutput string
	policyFormat string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage the policy catalog",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCatalog(cmd.Context(), func(_ context.Context, mgr *sandbox.Manager) error {
			return writePolicyTable(os.Stdout, mgr.Policies())
		})
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print one policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(cmd.Context(), func(_ context.Context, mgr *sandbox.Manager) error {
			p, err := mgr.Policy(args[0])
			if err != nil {
				return err
			}
			return writePolicies(os.Stdout, policyFormat, p)
		})
	},
}

var policyExportCmd = &cobra.Command{
	Use:   "export [name...]",
	Short: "Write policies as a policy file (all when no name is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(cmd.Context(), func(_ context.Context, mgr *sandbox.Manager) error {
			var policies []security.SecurityPolicy
			if len(args) == 0 {
				policies = mgr.Policies()
			}
			for _, name := range args {
				p, err := mgr.Policy(name)
				if err != nil {
					return err
				}
				policies = append(policies, p)
			}
			w := io.Writer(os.Stdout)
			if policyOutput != "" {
				f, err := os.Create(policyOutput)
				if err != nil {
					return fmt.Errorf("creating %s: %w", policyOutput, err)
				}
				defer f.Close()
				w = f
			}
			return writePolicies(w, policyFormat, policies...)
		})
	},
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Validate and store the policies of one or more policy files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(cmd.Context(), func(ctx context.Context, mgr *sandbox.Manager) error {
			for _, path := range args {
				policies, err := importPolicies(ctx, mgr, path)
				if err != nil {
					return err
				}
				for _, p := range policies {
					fmt.Printf("imported %s (%s) from %s\n", p.Name, p.Level, path)
				}
			}
			return nil
		})
	},
}

func init() {
	policyShowCmd.Flags().StringVarP(&policyFormat, "format", "f", "yaml", "output format: yaml or json")
	policyExportCmd.Flags().StringVarP(&policyFormat, "format", "f", "yaml", "output format: yaml or json")
	policyExportCmd.Flags().StringVarP(&policyOutput, "output", "o", "", "write to file instead of stdout")
	policyCmd.AddCommand(policyListCmd, policyShowCmd, policyExportCmd, policyImportCmd)
}

// withCatalog opens the configured store and a manager over it, then runs fn.
func withCatalog(ctx context.Context, fn func(context.Context, *sandbox.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()
	mgr, err := newManager(ctx, cfg, store, bus, logger)
	if err != nil {
		return err
	}
	return fn(ctx, mgr)
}

func writePolicyTable(w io.Writer, policies []security.SecurityPolicy) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLEVEL\tMEMORY_MB\tTIMEOUT\tDESCRIPTION")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			p.Name, p.Level, p.Limits.MemoryLimitMB, p.Limits.ExecutionTimeout, p.Description)
	}
	return tw.Flush()
}

// writePolicies renders policies in a form LoadPolicyFile accepts.
func writePolicies(w io.Writer, format string, policies ...security.SecurityPolicy) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		data, err := security.MarshalPolicyYAML(policies...)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(policies) == 1 {
			return enc.Encode(policies[0])
		}
		return enc.Encode(struct {
			Policies []security.SecurityPolicy `json:"policies"`
		}{policies})
	default:
		return fmt.Errorf("%w: unknown format %q", security.ErrInvalidArgument, format)
	}
}
