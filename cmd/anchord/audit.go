package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chunkanchor.ai/internal/config"
	persistlog "chunkanchor.ai/internal/persistence/log"
	"chunkanchor.ai/internal/residency"
)

var auditOpts struct {
	owner string
	since time.Duration
	json  bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print recorded residency transitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := config.LoadWithFallback(configPath)
		if cfg.Audit.Dir == "" {
			return fmt.Errorf("audit.dir is not configured")
		}
		events, err := persistlog.ReadEvents(cfg.Audit.Dir)
		if err != nil {
			return err
		}
		var cutoff time.Time
		if auditOpts.since > 0 {
			cutoff = time.Now().Add(-auditOpts.since)
		}
		events = filterEvents(events, auditOpts.owner, cutoff)
		if auditOpts.json {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}
		printEvents(cmd.OutOrStdout(), events)
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditOpts.owner, "owner", "", "only this owner's anchors")
	auditCmd.Flags().DurationVar(&auditOpts.since, "since", 0, "only events newer than this (e.g. 2h)")
	auditCmd.Flags().BoolVar(&auditOpts.json, "json", false, "output JSON lines")
}

// filterEvents keeps presence events regardless of owner.
func filterEvents(events []residency.Event, owner string, since time.Time) []residency.Event {
	out := events[:0]
	for _, e := range events {
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		if owner != "" && e.Kind != residency.EventPresence && e.Owner != owner {
			continue
		}
		out = append(out, e)
	}
	return out
}

var kindColor = map[residency.EventKind]*color.Color{
	residency.EventAcquired:      color.New(color.FgGreen),
	residency.EventReleased:      color.New(color.FgBlue),
	residency.EventAcquireFailed: color.New(color.FgRed),
	residency.EventPresence:      color.New(color.FgMagenta),
}

func printEvents(w io.Writer, events []residency.Event) {
	for _, e := range events {
		ts := e.Time.UTC().Format(time.RFC3339)
		c := kindColor[e.Kind]
		if c == nil {
			c = color.New(color.Reset)
		}
		c.Fprintf(w, "%s %-14s", ts, e.Kind)
		switch e.Kind {
		case residency.EventPresence:
			fmt.Fprintf(w, " loaded=%t\n", e.Loaded)
		default:
			fmt.Fprintf(w, " %s/%s %s chunk=(%d,%d) r=%d", e.Owner, e.Anchor, e.World, e.ChunkX, e.ChunkZ, e.Radius)
			if e.Reason != "" {
				fmt.Fprintf(w, " reason=%q", e.Reason)
			}
			if e.Error != "" {
				fmt.Fprintf(w, " error=%q", e.Error)
			}
			fmt.Fprintln(w)
		}
	}
}
