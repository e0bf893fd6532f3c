package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/spf13/cobra"
)

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "List rollout contexts from a stopped node's data directory",
	Long: `Read the local store of a keeper node and list its rollout contexts.

The node must be stopped: the store is locked while keeper serve runs.

Examples:
  # Every context
  keeper contexts --data-dir /var/lib/keeper

  # Application upgrades as JSON
  keeper contexts --data-dir /var/lib/keeper --kind application_upgrade -o json`,
	RunE: runContexts,
}

func init() {
	contextsCmd.Flags().String("data-dir", "./keeper-data", "Keeper data directory")
	contextsCmd.Flags().StringSlice("kind", nil, "Only list these kinds")
	contextsCmd.Flags().StringP("output", "o", "table", "Output format (table, json)")
}

func runContexts(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	kindNames, _ := cmd.Flags().GetStringSlice("kind")
	output, _ := cmd.Flags().GetString("output")

	kinds, err := parseKinds(kindNames)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store (is keeper serve running?): %w", err)
	}
	defer store.Close()

	var contexts []*types.RolloutContext
	for _, kind := range kinds {
		list, err := storage.ListContexts(store, kind)
		if err != nil {
			return err
		}
		contexts = append(contexts, list...)
	}

	switch output {
	case "json":
		return writeJSON(cmd.OutOrStdout(), contexts)
	case "table":
		return writeTable(cmd.OutOrStdout(), contexts)
	}
	return fmt.Errorf("unknown output format %q: %w", output, errdefs.NotValid)
}

func parseKinds(names []string) ([]types.ContextKind, error) {
	if len(names) == 0 {
		return types.AllKinds(), nil
	}
	known := make(map[types.ContextKind]bool)
	for _, k := range types.AllKinds() {
		known[k] = true
	}

	kinds := make([]types.ContextKind, 0, len(names))
	for _, n := range names {
		k := types.ContextKind(n)
		if !known[k] {
			return nil, fmt.Errorf("unknown context kind %q: %w", n, errdefs.NotValid)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func writeJSON(w io.Writer, contexts []*types.RolloutContext) error {
	if contexts == nil {
		contexts = []*types.RolloutContext{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(contexts)
}

func writeTable(w io.Writer, contexts []*types.RolloutContext) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tKEY\tSTATUS\tSEQ\tUPGRADE\tDOMAINS")
	for _, c := range contexts {
		upgradeState, domains := "-", "-"
		if p := c.Progress(); p != nil {
			upgradeState = fmt.Sprintf("%s %s->%s", p.State, p.CurrentVersion, p.TargetVersion)
			domains = describeDomains(p.Domains.Completed, p.Domains.InProgress, p.Domains.Pending)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", c.Kind, c.Key, c.Status, c.SequenceNumber, upgradeState, domains)
	}
	return tw.Flush()
}

// describeDomains renders "UD0,UD1 [UD2] UD3"
func describeDomains(completed []string, inProgress string, pending []string) string {
	var parts []string
	if len(completed) > 0 {
		parts = append(parts, strings.Join(completed, ","))
	}
	if inProgress != "" {
		parts = append(parts, "["+inProgress+"]")
	}
	if len(pending) > 0 {
		parts = append(parts, strings.Join(pending, ","))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
