// Command benchmark measures engine ingest and query throughput against
// a configurable backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/expr"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/library"
	"github.com/tundradb/tundra/pkg/query"
)

var (
	backend    = flag.String("backend", "memory", "Backend kind (memory, fs, bolt)")
	root       = flag.String("root", "", "Backend root path for fs and bolt")
	rows       = flag.Int("rows", 1_000_000, "Rows per write")
	iterations = flag.Int("count", 3, "Number of iterations")
	sliceSize  = flag.Int("slice-size", 100_000, "Row slice size R")
	verbose    = flag.Bool("v", false, "Per-iteration output")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	cfg.Backend.Kind = *backend
	cfg.Backend.Root = *root
	cfg.Write.RowSliceSize = *sliceSize
	cfg.Logging.Level = "error"

	ctx := context.Background()
	lib, err := library.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer lib.Close()

	var writeTotal, scanTotal, filterTotal time.Duration
	for i := 0; i < *iterations; i++ {
		symbol := fmt.Sprintf("bench-%d", i)
		fr := syntheticFrame(*rows, int64(i))

		start := time.Now()
		if _, err := lib.Write(ctx, symbol, fr, library.WriteOptions{}); err != nil {
			return err
		}
		wrote := time.Since(start)
		writeTotal += wrote

		start = time.Now()
		out, err := lib.Read(ctx, symbol, query.Query{})
		if err != nil {
			return err
		}
		scanned := time.Since(start)
		scanTotal += scanned
		if out.RowCount() != *rows {
			return fmt.Errorf("scan returned %d rows, want %d", out.RowCount(), *rows)
		}

		filter := expr.New()
		filter.Root = filter.Compare(expr.OpGt, filter.Column("x"), filter.Value(expr.IntLit(90)))
		start = time.Now()
		if _, err := lib.Read(ctx, symbol, query.Query{Filter: filter}); err != nil {
			return err
		}
		filtered := time.Since(start)
		filterTotal += filtered

		if *verbose {
			fmt.Printf("iteration %d: write %v, scan %v, filter %v\n", i, wrote, scanned, filtered)
		}
	}

	n := float64(*rows) * float64(*iterations)
	fmt.Printf("backend=%s rows=%d iterations=%d\n", *backend, *rows, *iterations)
	fmt.Printf("write:  %v total, %.0f rows/s\n", writeTotal, n/writeTotal.Seconds())
	fmt.Printf("scan:   %v total, %.0f rows/s\n", scanTotal, n/scanTotal.Seconds())
	fmt.Printf("filter: %v total, %.0f rows/s\n", filterTotal, n/filterTotal.Seconds())
	return nil
}

func syntheticFrame(n int, seed int64) *frame.Frame {
	rng := rand.New(rand.NewSource(seed))
	ts := make([]int64, n)
	xs := make([]int64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = int64(i) * int64(time.Second)
		xs[i] = rng.Int63n(100)
		ys[i] = rng.Float64() * 1000
	}
	fr, err := frame.New(
		frame.NewTimestamp("ts", ts),
		frame.NewInt64("x", xs),
		frame.NewFloat64("y", ys),
	)
	if err != nil {
		panic(err)
	}
	return fr
}
