package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/facescan/internal/app"
	"github.com/dharsanguruparan/facescan/internal/folder"
	"github.com/dharsanguruparan/facescan/internal/matcher"
	"github.com/dharsanguruparan/facescan/internal/model"
	"github.com/dharsanguruparan/facescan/internal/processing"
	"github.com/dharsanguruparan/facescan/internal/progress"
	"github.com/dharsanguruparan/facescan/internal/repository"
)

const localOwner = "local"

func newScanCmd() *cobra.Command {
	var (
		folderRef  string
		selfiePath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan locally and print the matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			folderID, err := folder.Parse(folderRef)
			if err != nil {
				return fmt.Errorf("folder %q: %w", folderRef, err)
			}
			image, err := os.ReadFile(selfiePath)
			if err != nil {
				return fmt.Errorf("read selfie: %w", err)
			}
			input := &model.ScanInput{FolderID: folderID, Image: image, ImageName: filepath.Base(selfiePath)}
			defer input.Wipe()

			runner := app.NewRunner(cfg, logger)
			if err := runner.Check(); err != nil {
				return err
			}
			status := newStatusLine(cmd.ErrOrStderr())
			res, err := runner.Run(cmd.Context(), matcher.Request{
				FolderID:  input.FolderID,
				Image:     input.Image,
				ImageName: input.ImageName,
			}, status.update)
			status.done()
			if err != nil {
				return errors.New(processing.FailureMessage(err))
			}

			result, err := repository.Persist(context.Background(), repository.NewMemoryStore(), localOwner, folderID, res)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(out, renderMatches(result))
			fmt.Fprintln(out, summaryLine(result))
			return nil
		},
	}
	cmd.Flags().StringVar(&folderRef, "folder", "", "Shared folder link or id")
	cmd.Flags().StringVar(&selfiePath, "selfie", "", "Path to the reference selfie")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON even on a terminal")
	_ = cmd.MarkFlagRequired("folder")
	_ = cmd.MarkFlagRequired("selfie")
	return cmd
}

// statusLine folds engine progress into counters and redraws one line on
// terminals. Elsewhere it prints only stage changes.
type statusLine struct {
	mu       sync.Mutex
	w        io.Writer
	tty      bool
	counters progress.Counters
	drawn    bool
}

func newStatusLine(w io.Writer) *statusLine {
	return &statusLine{w: w, tty: isTerminal(w)}
}

func (s *statusLine) update(ev progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevStage := s.counters.Stage
	s.counters = s.counters.Apply(ev)
	if ev.Warning != "" {
		fmt.Fprintf(s.w, "\rwarning: %s\n", ev.Warning)
	}
	if s.tty {
		fmt.Fprintf(s.w, "\r\033[K%s", formatProgress(s.counters))
		s.drawn = true
		return
	}
	if s.counters.Stage != prevStage {
		fmt.Fprintln(s.w, formatProgress(s.counters))
	}
}

func (s *statusLine) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drawn {
		fmt.Fprintln(s.w)
	}
}

func formatProgress(c progress.Counters) string {
	stage := c.Stage
	if stage == "" {
		stage = progress.StageInProgress
	}
	if c.Listed > 0 {
		return fmt.Sprintf("%s: %d/%d photos (%.2f%%), %d matched", stage, c.Completed, c.Listed, c.Percent, c.Matched)
	}
	return stage + "..."
}

// renderMatches prints matches in stored order, best first.
func renderMatches(r *model.MatchResult) string {
	if len(r.Matches) == 0 {
		return "No matching photos found."
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.AppendHeader(table.Row{"#", "File", "Score", "Link"})
	for i, m := range r.Matches {
		tw.AppendRow(table.Row{
			i + 1,
			m.FileName,
			strconv.FormatFloat(m.SimilarityScore, 'f', 1, 64) + "%",
			m.ViewLink,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Score", Align: text.AlignRight, AlignHeader: text.AlignRight},
	})
	return tw.Render()
}

func summaryLine(r *model.MatchResult) string {
	line := fmt.Sprintf("%d matches from %d of %d photos (threshold %.1f", len(r.Matches), r.TotalScanned, r.TotalListed, r.ThresholdUsed)
	if r.AdaptiveThresholdUsed {
		line += ", adaptive"
	}
	line += ")"
	if r.DownloadErrorCount > 0 {
		line += fmt.Sprintf(", %d could not be downloaded", r.DownloadErrorCount)
	}
	return line
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
