package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/quill/internal/outline"
)

var headingsDepth int

var headingsCmd = &cobra.Command{
	Use:   "headings <source>",
	Short: "List the sections a run would expand",
	Long: `List the sections found at the chosen depth and how many numbered
headings the document has at every depth. Use it to pick --depth before
an expansion run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth := cfgManager.Get().Expand.Depth
		if cmd.Flags().Changed("depth") {
			depth = headingsDepth
		}

		src, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read source: %w", err)
		}

		res := headingsResult{Depth: depth, Counts: outline.CountDepths(src)}
		doc, parseErr := outline.Parse(src, depth)
		var pe *outline.ParseError
		switch {
		case parseErr == nil:
			for _, s := range doc.Sections {
				res.Sections = append(res.Sections, headingRow{ID: s.ID, Title: s.Title, Line: s.Line + 1})
			}
			if doc.Ambiguity != nil {
				res.Suggested = doc.Ambiguity.Suggested
			}
		case errors.As(parseErr, &pe):
			res.Suggested = pe.Suggested
		default:
			return parseErr
		}

		if err := printResult(cmd, res); err != nil {
			return err
		}
		return parseErr
	},
}

func init() {
	headingsCmd.Flags().IntVar(&headingsDepth, "depth", 0, "heading depth: 5 or 6 (default from config)")
}

type headingRow struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Line  int    `json:"line" yaml:"line"`
}

type headingsResult struct {
	Depth     int          `json:"depth" yaml:"depth"`
	Counts    map[int]int  `json:"counts" yaml:"counts"`
	Suggested int          `json:"suggested,omitempty" yaml:"suggested,omitempty"`
	Sections  []headingRow `json:"sections" yaml:"sections"`
}

func (r headingsResult) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range r.Sections {
		fmt.Fprintf(tw, "%s\t%s\tline %d\n", s.ID, s.Title, s.Line)
	}

	depths := make([]int, 0, len(r.Counts))
	for d := range r.Counts {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	fmt.Fprintln(tw)
	for _, d := range depths {
		marker := ""
		if d == r.Depth {
			marker = " (selected)"
		}
		fmt.Fprintf(tw, "depth %d\t%d headings%s\n", d, r.Counts[d], marker)
	}
	if r.Suggested != 0 && r.Suggested != r.Depth {
		fmt.Fprintf(tw, "\nmore headings match --depth %d\n", r.Suggested)
	}
	return tw.Flush()
}
