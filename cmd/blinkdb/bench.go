package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/blinkdb/internal/btree"
	"github.com/tuannm99/blinkdb/internal/engine"
)

func newBenchCmd(f *rootFlags) *cobra.Command {
	var (
		workers int
		keys    int
		seed    uint64
	)
	cmd := &cobra.Command{
		Use:   "bench INDEX",
		Short: "Insert random keys from concurrent workers, then read them back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 || keys < 1 {
				return fmt.Errorf("--workers and --keys must be positive")
			}
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				idx, err := db.CreateIndex(ctx, args[0])
				if err != nil {
					return err
				}
				// distinct keys, dealt round robin so workers collide on leaves
				perm := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)).Perm(keys)

				insert := time.Now()
				if err := runWorkers(ctx, workers, perm, func(ctx context.Context, k btree.KeyType) error {
					return idx.Insert(ctx, k, btree.RecordPointer{PageID: uint32(k), Slot: uint16(k)})
				}); err != nil {
					return err
				}
				insertDur := time.Since(insert)

				search := time.Now()
				if err := runWorkers(ctx, workers, perm, func(ctx context.Context, k btree.KeyType) error {
					_, ok, err := idx.Search(ctx, k)
					if err == nil && !ok {
						err = fmt.Errorf("%w: %d", btree.ErrKeyNotFound, k)
					}
					return err
				}); err != nil {
					return err
				}
				searchDur := time.Since(search)

				st, err := idx.Check(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "insert  %s keys in %s (%s ops/s)\n", humanize.Comma(int64(keys)), insertDur.Round(time.Millisecond), opsPerSec(keys, insertDur))
				fmt.Fprintf(out, "search  %s keys in %s (%s ops/s)\n", humanize.Comma(int64(keys)), searchDur.Round(time.Millisecond), opsPerSec(keys, searchDur))
				fmt.Fprintf(out, "tree    height=%d leaves=%s unposted=%d\n", st.Height, humanize.Comma(int64(st.Leaves)), st.Unposted)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 8, "concurrent workers")
	cmd.Flags().IntVarP(&keys, "keys", "k", 100_000, "keys to insert")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "key order seed")
	return cmd
}

func runWorkers(ctx context.Context, workers int, keys []int, op func(context.Context, btree.KeyType) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			for i := w; i < len(keys); i += workers {
				if err := op(ctx, btree.KeyType(keys[i])); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func opsPerSec(n int, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return humanize.Comma(int64(float64(n) / d.Seconds()))
}
