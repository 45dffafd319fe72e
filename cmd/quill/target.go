package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/quill/internal/api"
	"github.com/jackzampolin/quill/internal/checkpoint"
	"github.com/jackzampolin/quill/internal/outline"
)

// readDocument parses source at depth and logs an ambiguity hint when the
// other supported depth also has headings.
func readDocument(source string, depth int) (*outline.Document, error) {
	src, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	doc, err := outline.Parse(src, depth)
	if err != nil {
		var pe *outline.ParseError
		if errors.As(err, &pe) && pe.Suggested != 0 {
			return nil, fmt.Errorf("%s: %w (try --depth %d)", source, err, pe.Suggested)
		}
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	if a := doc.Ambiguity; a != nil {
		logger.Warn("headings found at more than one depth",
			"depth", a.Requested,
			"count", a.Counts[a.Requested],
			"suggested", a.Suggested,
			"suggested_count", a.Counts[a.Suggested])
	}
	return doc, nil
}

// checkpointInfo describes doc for checkpoint.Open.
func checkpointInfo(source string, doc *outline.Document) checkpoint.DocumentInfo {
	return checkpoint.DocumentInfo{Source: source, Hash: doc.Hash, Depth: doc.Depth}
}

func printResult(cmd *cobra.Command, data any) error {
	return api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), data)
}
