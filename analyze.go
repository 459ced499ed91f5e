package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"school-gradients/internal/config"
	"school-gradients/internal/engine"
	"school-gradients/internal/models"
)

var (
	analyzeInput         string
	analyzeOutput        string
	analyzeFormats       []string
	analyzeMode          string
	analyzeTopK          int
	analyzeMinDifference int
	analyzeMaxDistance   float64
	analyzeWorkers       int
	analyzeSummary       bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Compare all school pairs and write the gradient report",
	Long: `Loads the school list, compares every pair within each configured group and
writes the ranked matches.

Examples:
  # Bucketed output (0-1 km, 1-2 km, ...) as JSON
  school-gradients analyze --input schools.json

  # Top 50 per group, no distance cutoff, every output format
  school-gradients analyze --input schools.json --mode topk --max-distance 0 \
    --format json,geojson,xlsx,sqlite`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyAnalyzeFlags(cmd, cfg)

		res, err := engine.Execute(cmd.Context(), cfg, logProgress)
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		if analyzeSummary {
			printSummary(cmd.OutOrStdout(), res)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "school list (.json, .csv, .tsv, .xlsx)")
	analyzeCmd.Flags().StringVar(&analyzeOutput, "output", "", "output directory")
	analyzeCmd.Flags().StringSliceVar(&analyzeFormats, "format", nil, "output formats: json, geojson, xlsx, sqlite")
	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", "", "bucketed or topk")
	analyzeCmd.Flags().IntVar(&analyzeTopK, "top-k", 0, "matches kept per group in topk mode")
	analyzeCmd.Flags().IntVar(&analyzeMinDifference, "min-difference", 0, "minimum Sozialindex difference")
	analyzeCmd.Flags().Float64Var(&analyzeMaxDistance, "max-distance", 0, "distance cutoff in km (0 = unbounded)")
	analyzeCmd.Flags().IntVar(&analyzeWorkers, "workers", 0, "comparison goroutines")
	analyzeCmd.Flags().BoolVar(&analyzeSummary, "summary", false, "print the partition table when done")
	rootCmd.AddCommand(analyzeCmd)
}

// applyAnalyzeFlags overrides config values with the flags set on the command line.
func applyAnalyzeFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		c.Input.Path = analyzeInput
	}
	if flags.Changed("output") {
		c.Output.Dir = analyzeOutput
	}
	if flags.Changed("format") {
		c.Output.Formats = analyzeFormats
	}
	if flags.Changed("mode") {
		c.Analysis.Mode = analyzeMode
	}
	if flags.Changed("top-k") {
		c.Analysis.TopK = analyzeTopK
	}
	if flags.Changed("min-difference") {
		c.Analysis.MinDifference = analyzeMinDifference
	}
	if flags.Changed("max-distance") {
		c.Analysis.MaxDistanceKm = analyzeMaxDistance
	}
	if flags.Changed("workers") {
		c.Analysis.Workers = analyzeWorkers
	}
}

func logProgress(group string, done, total int64) {
	pct := 100.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	zap.L().Info("analyze: progress",
		zap.String("group", group),
		zap.Int64("pairs_done", done),
		zap.Int64("pairs_total", total),
		zap.String("percent", fmt.Sprintf("%.1f", pct)),
	)
}

func printSummary(w io.Writer, res *engine.Result) {
	r := res.Report
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSCHOOLS\tEXCLUDED\tPAIRS\tWITHIN CUTOFF\tMATCHES\tUNBUCKETED")
	for _, g := range r.Groups {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			g.Name, g.Entities, g.Excluded, g.PairsVisited, g.PairsWithinCutoff, g.Matches, g.Unbucketed)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PARTITION\tMATCHES\tDISTANCE MIN/MAX/MEAN\tGRADIENT MIN/MAX/MEAN")
	for _, p := range r.Partitions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name, p.Stats.Count, triple(p.Stats.DistanceKm), triple(p.Stats.Gradient))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d files written to %s\n", len(res.Files), res.Dir)
}

func triple(s models.Summary) string {
	return fmt.Sprintf("%.2f / %.2f / %.2f", s.Min, s.Max, s.Mean)
}
