package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/quill/internal/checkpoint"
	"github.com/jackzampolin/quill/internal/home"
	"github.com/jackzampolin/quill/internal/outline"
)

var statusFlags struct {
	out   string
	watch bool
}

var statusCmd = &cobra.Command{
	Use:   "status <source>",
	Short: "Show checkpoint progress for a document",
	Long: `Show how many sections are done, exhausted and still pending.
With --watch the status is printed again whenever the checkpoint changes,
so a running expansion can be followed from another terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := statusFlags.out
		if out == "" {
			out = cfgManager.Get().Output.Dir
		}
		dir, err := home.New(args[0], out)
		if err != nil {
			return err
		}

		if err := printStatus(cmd, dir); err != nil {
			return err
		}
		if !statusFlags.watch {
			return nil
		}
		return watchStatus(cmd, dir)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.out, "out", "", "output directory (default: {source dir}/{name}_expanded)")
	statusCmd.Flags().BoolVarP(&statusFlags.watch, "watch", "w", false, "print again on every checkpoint change")
}

type statusResult struct {
	Source    string                `json:"source" yaml:"source"`
	Depth     int                   `json:"depth" yaml:"depth"`
	Total     int                   `json:"total" yaml:"total"`
	Succeeded int                   `json:"succeeded" yaml:"succeeded"`
	Recovered int                   `json:"recovered" yaml:"recovered"`
	Exhausted []string              `json:"exhausted" yaml:"exhausted"`
	Pending   int                   `json:"pending" yaml:"pending"`
	Changed   bool                  `json:"document_changed,omitempty" yaml:"document_changed,omitempty"`
	Stats     checkpoint.Stats      `json:"stats" yaml:"stats"`
	LastRun   *checkpoint.RunRecord `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

func loadStatus(dir *home.Dir) (*statusResult, error) {
	res := &statusResult{Source: dir.Source(), Depth: cfgManager.Get().Expand.Depth, Exhausted: []string{}}

	file, err := checkpoint.Read(dir.CheckpointPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		file = &checkpoint.File{Sections: map[string]checkpoint.Record{}}
	case err != nil:
		return nil, err
	default:
		if file.Document.Depth != 0 {
			res.Depth = file.Document.Depth
		}
		res.Stats = file.Stats
		if n := len(file.Runs); n > 0 {
			res.LastRun = &file.Runs[n-1]
		}
	}

	src, err := os.ReadFile(dir.Source())
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	doc, err := outline.Parse(src, res.Depth)
	if err != nil {
		return nil, err
	}
	res.Total = len(doc.Sections)
	res.Changed = file.Document.Hash != "" && file.Document.Hash != doc.Hash

	for _, sec := range doc.Sections {
		rec, ok := file.Sections[sec.ID]
		switch {
		case !ok:
			res.Pending++
		case rec.Status == checkpoint.StatusExhausted:
			res.Exhausted = append(res.Exhausted, sec.ID)
		case rec.Recovered:
			res.Recovered++
			res.Succeeded++
		default:
			res.Succeeded++
		}
	}
	return res, nil
}

func printStatus(cmd *cobra.Command, dir *home.Dir) error {
	res, err := loadStatus(dir)
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

func (r *statusResult) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Source\t%s (depth %d)\n", r.Source, r.Depth)
	pct := 0.0
	if r.Total > 0 {
		pct = float64(r.Succeeded) / float64(r.Total) * 100
	}
	fmt.Fprintf(tw, "Progress\t%d/%d succeeded (%.1f%%), %d exhausted, %d pending\n",
		r.Succeeded, r.Total, pct, len(r.Exhausted), r.Pending)
	if r.Recovered > 0 {
		fmt.Fprintf(tw, "Recovered\t%d from existing artifacts\n", r.Recovered)
	}
	if r.Changed {
		fmt.Fprintln(tw, "Warning\tsource changed since the checkpoint was written")
	}
	if r.LastRun != nil {
		fmt.Fprintf(tw, "Last run\t%s at %s (%s)\n",
			r.LastRun.ID, r.LastRun.FinishedAt.Local().Format(time.DateTime), r.LastRun.Outcome)
	}
	if r.Stats.Runs > 0 {
		fmt.Fprintf(tw, "All runs\t%d runs, %d attempts, %d characters\n", r.Stats.Runs, r.Stats.Attempts, r.Stats.Characters)
	}
	for _, id := range r.Exhausted {
		fmt.Fprintf(tw, "Exhausted\t%s\n", id)
	}
	return tw.Flush()
}

// watchStatus reprints the status on checkpoint writes until the command
// context ends. The directory is watched because atomic writes replace the
// checkpoint file itself.
func watchStatus(cmd *cobra.Command, dir *home.Dir) error {
	ctx := cmd.Context()
	if err := dir.EnsureExists(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir.Path()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir.Path(), err)
	}

	want := filepath.Clean(dir.CheckpointPath())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != want || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if err := printStatus(cmd, dir); err != nil {
				logger.Warn("failed to read status", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		}
	}
}
