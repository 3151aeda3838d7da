package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/config"
	"chunkanchor.ai/internal/persistence/indexdb"
	"chunkanchor.ai/internal/persistence/snapshot"
)

var (
	listJSON   bool
	listBackup string
	listOwner  string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print persisted anchors",
	Long: `Print the anchors stored by the configured backend without starting
the service. --backup reads a compressed YAML backup instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warns := config.LoadWithFallback(configPath)
		for _, w := range warns {
			warnColor.Fprintf(cmd.ErrOrStderr(), "config: %s=%q invalid, using %s\n", w.Field, w.Value, w.Used)
		}
		snap, err := readSnapshot(cfg, listBackup)
		if err != nil {
			return err
		}
		if listOwner != "" {
			snap = anchor.Snapshot{listOwner: snap[listOwner]}
		}
		if listJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printSnapshot(cmd.OutOrStdout(), snap, cfg.DefaultPolicy)
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
	listCmd.Flags().StringVar(&listBackup, "backup", "", "read this .zst backup instead of the live store")
	listCmd.Flags().StringVar(&listOwner, "owner", "", "only print this owner's anchors")
}

func readSnapshot(cfg config.Config, backup string) (anchor.Snapshot, error) {
	if backup != "" {
		return snapshot.ReadBackup(backup)
	}
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := indexdb.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return db.Load()
	default:
		return snapshot.NewFile(cfg.Storage.Path, 0, zerolog.Nop()).Load()
	}
}

func printSnapshot(w io.Writer, snap anchor.Snapshot, def anchor.Policy) {
	owners := make([]string, 0, len(snap))
	for owner, anchors := range snap {
		if len(anchors) > 0 {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)
	if len(owners) == 0 {
		fmt.Fprintln(w, "no anchors")
		return
	}

	off := color.New(color.Faint)
	for _, owner := range owners {
		anchors := snap[owner]
		names := make([]string, 0, len(anchors))
		for name := range anchors {
			names = append(names, name)
		}
		sort.Strings(names)

		headerColor.Fprintf(w, "%s", owner)
		fmt.Fprintf(w, " (%d)\n", len(names))
		for _, name := range names {
			a := anchors[name]
			line := fmt.Sprintf("  %-16s %-14s %7d %7d  %-13s", name, a.World, a.X, a.Z, policyLabel(a.Policy, def))
			if a.Enabled {
				fmt.Fprintln(w, line)
			} else {
				off.Fprintln(w, line+" disabled")
			}
		}
	}
}

func policyLabel(p, def anchor.Policy) string {
	if p == anchor.PolicyDefault {
		return fmt.Sprintf("DEFAULT(%s)", p.Resolve(def))
	}
	return string(p)
}
