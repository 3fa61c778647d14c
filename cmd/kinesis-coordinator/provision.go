package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvisionCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the stream and tables if needed and list the shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return provisionStream(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
	return cmd
}

func provisionStream(ctx context.Context, opts *rootOptions, out io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	b, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}
	defer b.Close()

	c, err := newCoordinator(cfg, b, opts.logger, nil)
	if err != nil {
		return err
	}
	if err := c.Init(ctx); err != nil {
		return err
	}

	d, err := newProvisioner(cfg, b, opts.logger).EnsureStream(ctx, cfg.Stream.Name, cfg.Stream.ShardCount)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "stream %s (%s) is %s\n", d.Name, d.ARN, d.Status)
	if d.ShardCountMismatch() {
		fmt.Fprintf(out, "open shards: %d, configured: %d\n", len(d.OpenShards()), d.DesiredShardCount)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tSTATE\tLINEAGE")
	for _, s := range d.Shards {
		state := "open"
		if s.Closed() {
			state = "closed"
		}
		lineage := "-"
		for i, e := range s.Edges() {
			if i == 0 {
				lineage = e.Kind.String() + " of " + e.ParentID
			} else {
				lineage += ", " + e.ParentID
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, state, lineage)
	}
	return w.Flush()
}
