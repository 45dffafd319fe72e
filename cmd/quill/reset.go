package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/quill/internal/checkpoint"
	"github.com/jackzampolin/quill/internal/home"
)

var resetOut string

var resetCmd = &cobra.Command{
	Use:   "reset <source> [ids...]",
	Short: "Clear exhausted sections so the next run retries them",
	Long: `Remove exhausted records from the checkpoint. With no ids every
exhausted section is cleared. Succeeded sections cannot be reset.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := resetOut
		if out == "" {
			out = cfgManager.Get().Output.Dir
		}
		dir, err := home.New(args[0], out)
		if err != nil {
			return err
		}

		// Reopen with the recorded identity so no document change is reported.
		file, err := checkpoint.Read(dir.CheckpointPath())
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no checkpoint at %s", dir.CheckpointPath())
		}
		if err != nil {
			return err
		}
		store, err := checkpoint.Open(checkpoint.Config{
			Path:     dir.CheckpointPath(),
			Document: file.Document,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		removed, err := store.Reset(args[1:])
		if err != nil {
			return err
		}
		if removed == nil {
			removed = []string{}
		}
		return printResult(cmd, resetResult{Removed: removed, Remaining: store.Exhausted()})
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetOut, "out", "", "output directory (default: {source dir}/{name}_expanded)")
}

type resetResult struct {
	Removed   []string `json:"removed" yaml:"removed"`
	Remaining []string `json:"remaining_exhausted" yaml:"remaining_exhausted"`
}
