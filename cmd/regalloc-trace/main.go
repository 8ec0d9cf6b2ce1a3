// Command regalloc-trace replays a captured allocator-state snapshot through
// move resolution and prints the resulting edit stream. It exists for
// debugging move placement: capture a snapshot from a failing compile, then
// iterate on it here with tracing and annotations enabled.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orizon-lang/regalloc/internal/backtrack"
	"github.com/orizon-lang/regalloc/internal/ir"
	"github.com/orizon-lang/regalloc/internal/statefile"
)

var (
	annotate  bool
	showStats bool
	traceLog  bool
	watch     bool
)

var rootCmd = &cobra.Command{
	Use:   "regalloc-trace <snapshot.json>",
	Short: "Replay an allocator snapshot through move resolution",
	Long: `regalloc-trace loads a JSON snapshot of allocator state (live ranges,
bundles, spill slots, block-parameter and program-move tables) and runs move
resolution over it, printing the ordered edit stream the allocator would
splice into the final code.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if traceLog {
			logrus.SetLevel(logrus.TraceLevel)
		}

		path := args[0]
		if err := runOnce(path); err != nil {
			return err
		}

		if watch {
			return watchAndRerun(path)
		}

		return nil
	},
	SilenceUsage: true,
}

func runOnce(path string) error {
	env, err := statefile.Load(path, backtrack.Options{Annotations: annotate})
	if err != nil {
		return err
	}

	out, err := env.Run()
	if err != nil {
		return errors.Wrapf(err, "resolving moves for %s", path)
	}

	for _, entry := range out.Edits {
		fmt.Println(entry)
	}

	if annotate {
		printAnnotations(out.Annotations)
	}

	if showStats {
		fmt.Printf("halfmoves=%d edits=%d blockparam_allocs=%d\n",
			out.Stats.HalfMoves, out.Stats.Edits, out.Stats.BlockparamAllocs)
	}

	return nil
}

func printAnnotations(annotations map[ir.ProgPoint][]string) {
	points := make([]ir.ProgPoint, 0, len(annotations))
	for p := range annotations {
		points = append(points, p)
	}

	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	for _, p := range points {
		for _, text := range annotations[p] {
			fmt.Printf("; %s: %s\n", p, text)
		}
	}
}

func watchAndRerun(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return errors.Wrapf(err, "watching %s", path)
	}

	logrus.Infof("watching %s; edit the snapshot to re-run", path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			fmt.Println("---")

			if err := runOnce(path); err != nil {
				logrus.Errorf("re-run failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logrus.Errorf("watch error: %v", err)
		}
	}
}

func main() {
	rootCmd.Flags().BoolVarP(&annotate, "annotate", "a", false, "print per-point debug annotations")
	rootCmd.Flags().BoolVarP(&showStats, "stats", "s", false, "print resolution statistics")
	rootCmd.Flags().BoolVar(&traceLog, "trace", false, "enable trace logging")
	rootCmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run whenever the snapshot changes")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
