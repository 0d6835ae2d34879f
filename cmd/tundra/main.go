// Command tundra is the storage engine's CLI: symbol ingest from CSV,
// reads with pushdown flags, version and snapshot management, and GC.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/library"
	"github.com/tundradb/tundra/pkg/logger"
	"github.com/tundradb/tundra/pkg/query"
)

var buildVersion = "0.1.0"

func main() {
	_ = godotenv.Load()

	var configFile string
	var lib *library.Library

	root := &cobra.Command{
		Use:   "tundra",
		Short: "Tundra - versioned columnar time-series storage",
		Long: `Tundra stores versioned time-series frames as content-addressed
segments in an object store and reads them back through a staged
clause pipeline.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")

	// openLibrary is shared PersistentPreRunE for the commands that talk
	// to a backend; the version command stays offline.
	openLibrary := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := logger.Init(logger.Config{
			Level:    cfg.Logging.Level,
			Encoding: cfg.Logging.Encoding,
		}); err != nil {
			return err
		}
		lib, err = library.Open(cmd.Context(), cfg)
		return err
	}
	closeLibrary := func(cmd *cobra.Command, args []string) error {
		if lib == nil {
			return nil
		}
		return lib.Close()
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tundra v%s\n", buildVersion)
		},
	})

	var inputFile string
	var appendMode, updateMode, prune bool
	writeCmd := &cobra.Command{
		Use:   "write <symbol>",
		Short: "Write a CSV file as a new version of a symbol",
		Long: `Write ingests a CSV file whose first column is the int64 index.
Remaining columns are typed by inference: int64, float64, bool, then string.

Example:
  tundra write trades --input trades.csv --append`,
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			fr, err := readCSVFrame(inputFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			symbol := args[0]
			start := time.Now()
			switch {
			case updateMode:
				_, err = lib.Update(ctx, symbol, fr)
			case appendMode:
				_, err = lib.Append(ctx, symbol, fr, library.WriteOptions{Prune: prune})
			default:
				_, err = lib.Write(ctx, symbol, fr, library.WriteOptions{Prune: prune})
			}
			if err != nil {
				return err
			}
			logger.Info("write finished",
				zap.String("symbol", symbol),
				zap.Int("rows", fr.RowCount()),
				zap.Duration("took", time.Since(start)))
			return nil
		},
	}
	writeCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Path to input CSV file (required)")
	writeCmd.Flags().BoolVar(&appendMode, "append", false, "Append after the symbol's existing index range")
	writeCmd.Flags().BoolVar(&updateMode, "update", false, "Splice into the symbol over the input's index range")
	writeCmd.Flags().BoolVar(&prune, "prune", false, "Tombstone all earlier versions of the symbol")
	_ = writeCmd.MarkFlagRequired("input")
	writeCmd.MarkFlagsMutuallyExclusive("append", "update")
	root.AddCommand(writeCmd)

	var columns []string
	var dateStart, dateEnd int64
	var head, tail, limit int
	var atVersion int64
	readCmd := &cobra.Command{
		Use:                "read <symbol>",
		Short:              "Read a symbol and print it as CSV",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.Query{Columns: columns}
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				q.DateRange = &query.Bounds{Start: dateStart, End: dateEnd}
			}
			if cmd.Flags().Changed("head") {
				q.Head = &head
			}
			if cmd.Flags().Changed("tail") {
				q.Tail = &tail
			}
			if cmd.Flags().Changed("at-version") {
				v := uint64(atVersion)
				q.Version = &v
			}
			fr, err := lib.Read(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			return writeCSVFrame(os.Stdout, fr, limit)
		},
	}
	readCmd.Flags().StringSliceVar(&columns, "columns", nil, "Columns to read (default all)")
	readCmd.Flags().Int64Var(&dateStart, "start", 0, "Inclusive index lower bound")
	readCmd.Flags().Int64Var(&dateEnd, "end", 0, "Inclusive index upper bound")
	readCmd.Flags().IntVar(&head, "head", 0, "Read only the first N rows")
	readCmd.Flags().IntVar(&tail, "tail", 0, "Read only the last N rows")
	readCmd.Flags().Int64Var(&atVersion, "at-version", 0, "Read a specific version instead of the latest")
	readCmd.Flags().IntVar(&limit, "limit", 0, "Print at most N rows (0 = all)")
	root.AddCommand(readCmd)

	root.AddCommand(&cobra.Command{
		Use:                "symbols",
		Short:              "List live symbols",
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			syms, err := lib.ListSymbols(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range syms {
				fmt.Println(s)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:                "versions <symbol>",
		Short:              "List a symbol's versions, newest first",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := lib.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, info := range infos {
				created := time.Unix(0, info.CreatedAt).UTC().Format(time.RFC3339)
				fmt.Printf("%d\t%s\n", info.VersionID, created)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:                "delete <symbol>",
		Short:              "Mark a symbol deleted; GC reclaims its data later",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lib.Delete(cmd.Context(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:                "gc",
		Short:              "Mark-sweep unreachable keys past the grace period",
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := lib.GC(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d reachable=%d deleted=%d retained=%d\n",
				res.Scanned, res.Reachable, res.Deleted, res.Retained)
			return nil
		},
	})

	snapCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshots",
	}
	snapCmd.AddCommand(&cobra.Command{
		Use:                "create <name> [symbol...]",
		Short:              "Pin the latest version of the named symbols (default all)",
		Args:               cobra.MinimumNArgs(1),
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := lib.Snapshot(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Printf("snapshot %q pins %d symbols\n", snap.Name, len(snap.Versions))
			return nil
		},
	})
	snapCmd.AddCommand(&cobra.Command{
		Use:                "list",
		Short:              "List snapshots",
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := lib.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range snaps {
				created := time.Unix(0, s.CreatedAt).UTC().Format(time.RFC3339)
				fmt.Printf("%s\t%s\t%d symbols\n", s.Name, created, len(s.Versions))
			}
			return nil
		},
	})
	snapCmd.AddCommand(&cobra.Command{
		Use:                "rm <name>",
		Short:              "Delete a snapshot",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lib.DeleteSnapshot(cmd.Context(), args[0])
		},
	})
	root.AddCommand(snapCmd)

	root.AddCommand(&cobra.Command{
		Use:                "compact-journal",
		Short:              "Remove superseded symbol journal entries",
		PersistentPreRunE:  openLibrary,
		PersistentPostRunE: closeLibrary,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := lib.CompactSymbolJournal(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d entries\n", removed)
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
