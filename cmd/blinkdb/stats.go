package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tuannm99/blinkdb/internal/engine"
)

func newStatsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show page file and buffer pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				// touch every index so the pool numbers mean something
				names, err := db.ListIndexes()
				if err != nil {
					return err
				}
				for _, name := range names {
					idx, err := db.OpenIndex(ctx, name)
					if err != nil {
						return err
					}
					if _, err := idx.Check(ctx); err != nil {
						return err
					}
				}
				printStats(cmd, db.Stats())
				return nil
			})
		},
	}
}

func printStats(cmd *cobra.Command, st engine.Stats) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	pageSize := uint64(st.PageSize)
	fmt.Fprintf(tw, "page size\t%s\n", humanize.IBytes(pageSize))
	fmt.Fprintf(tw, "pages\t%s (%s)\n", humanize.Comma(int64(st.NumPages)), humanize.IBytes(uint64(st.NumPages)*pageSize))
	fmt.Fprintf(tw, "free pages\t%s\n", humanize.Comma(int64(st.FreePages)))
	fmt.Fprintf(tw, "disk reads / writes\t%s / %s\n", humanize.Comma(int64(st.Disk.Reads)), humanize.Comma(int64(st.Disk.Writes)))
	fmt.Fprintf(tw, "pool frames\t%d (%s)\n", st.Pool.Capacity, humanize.IBytes(uint64(st.Pool.Capacity)*pageSize))
	fmt.Fprintf(tw, "resident / pinned / dirty\t%d / %d / %d\n", st.Pool.Resident, st.Pool.Pinned, st.Pool.Dirty)

	lookups := st.Pool.Hits + st.Pool.Misses
	ratio := 0.0
	if lookups > 0 {
		ratio = float64(st.Pool.Hits) / float64(lookups) * 100
	}
	fmt.Fprintf(tw, "hits / misses\t%s / %s (%s%% hit)\n",
		humanize.Comma(int64(st.Pool.Hits)), humanize.Comma(int64(st.Pool.Misses)), humanize.FormatFloat("#.##", ratio))
	fmt.Fprintf(tw, "evictions / write-backs\t%s / %s\n", humanize.Comma(int64(st.Pool.Evictions)), humanize.Comma(int64(st.Pool.Writebacks)))
}
