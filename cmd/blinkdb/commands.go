package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/btree"
	"github.com/tuannm99/blinkdb/internal/engine"
)

func parseKey(s string) (btree.KeyType, error) {
	k, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q: %w", s, err)
	}
	return k, nil
}

func parseRecordPointer(page, slot string) (btree.RecordPointer, error) {
	p, err := strconv.ParseUint(page, 10, 32)
	if err != nil {
		return btree.RecordPointer{}, fmt.Errorf("page %q: %w", page, err)
	}
	s, err := strconv.ParseUint(slot, 10, 16)
	if err != nil {
		return btree.RecordPointer{}, fmt.Errorf("slot %q: %w", slot, err)
	}
	return btree.RecordPointer{PageID: uint32(p), Slot: uint16(s)}, nil
}

func newPutCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put INDEX KEY PAGE SLOT",
		Short: "Insert a key, creating the index if needed",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[1])
			if err != nil {
				return err
			}
			rp, err := parseRecordPointer(args[2], args[3])
			if err != nil {
				return err
			}
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				idx, err := db.Index(ctx, args[0])
				if err != nil {
					return err
				}
				return idx.Insert(ctx, key, rp)
			})
		},
	}
}

func newGetCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get INDEX KEY",
		Short: "Print the record pointer of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[1])
			if err != nil {
				return err
			}
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				idx, err := db.OpenIndex(ctx, args[0])
				if err != nil {
					return err
				}
				rp, ok, err := idx.Search(ctx, key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %d", btree.ErrKeyNotFound, key)
				}
				fmt.Fprintln(cmd.OutOrStdout(), rp)
				return nil
			})
		},
	}
}

func newDelCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "del INDEX KEY",
		Aliases: []string{"delete"},
		Short:   "Delete a key",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[1])
			if err != nil {
				return err
			}
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				idx, err := db.OpenIndex(ctx, args[0])
				if err != nil {
					return err
				}
				return idx.Delete(ctx, key)
			})
		},
	}
}

func newScanCmd(f *rootFlags) *cobra.Command {
	var (
		from, to int64
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "scan INDEX",
		Short: "Print keys in [--from, --to] in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				idx, err := db.OpenIndex(ctx, args[0])
				if err != nil {
					return err
				}
				c := idx.Scan(ctx, from, to)
				defer c.Close()
				n := 0
				for k, rp := range c.All() {
					if limit > 0 && n == limit {
						break
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", k, rp)
					n++
				}
				if err := c.Err(); err != nil {
					if next, ok := c.ResumeKey(); ok {
						return fmt.Errorf("scan stopped, resume with --from %d: %w", next, err)
					}
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", math.MinInt64, "lowest key")
	cmd.Flags().Int64Var(&to, "to", math.MaxInt64, "highest key")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many keys (0: no limit)")
	return cmd
}

func newCheckCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check INDEX",
		Short: "Verify the tree structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				idx, err := db.OpenIndex(ctx, args[0])
				if err != nil {
					return err
				}
				st, err := idx.Check(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "root=%d height=%d keys=%d leaves=%d internal=%d unposted=%d widths=%v\n",
					st.Root, st.Height, st.Keys, st.Leaves, st.Internal, st.Unposted, st.Widths)
				if st.Keys != idx.Len() {
					return fmt.Errorf("%w: counted %d keys, meta says %d", btree.ErrInvariant, st.Keys, idx.Len())
				}
				return nil
			})
		},
	}
}

func newListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				names, err := db.ListIndexes()
				if err != nil {
					return err
				}
				for _, name := range names {
					idx, err := db.OpenIndex(ctx, name)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tkeys=%d\theight=%d\n", name, idx.Len(), idx.Height())
				}
				return nil
			})
		},
	}
}

func newDropCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drop INDEX",
		Short: "Drop an index and free its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withDB(cmd, func(ctx context.Context, db *engine.DB) error {
				err := db.DropIndex(ctx, args[0])
				if errors.Is(err, engine.ErrIndexNotFound) {
					return fmt.Errorf("no index %q", args[0])
				}
				return err
			})
		},
	}
}

func newDestroyCmd(f *rootFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the page file and all indexes in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to destroy without --yes")
			}
			cfg, log, err := f.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := engine.Remove(cfg.Storage.DataDir); err != nil {
				return err
			}
			log.Info("database destroyed", zap.String("dir", cfg.Storage.DataDir))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
