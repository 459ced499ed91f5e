package engine

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"school-gradients/internal/aggregate"
	"school-gradients/internal/calculator"
	"school-gradients/internal/config"
	"school-gradients/internal/dataset"
	"school-gradients/internal/models"
	"school-gradients/internal/output"
)

// ProgressFunc receives comparator progress for the named group.
type ProgressFunc func(group string, done, total int64)

// Result is a finished run: the report plus the files written for it.
type Result struct {
	Report *models.Report
	Dir    string
	Files  []string
}

// Execute loads cfg.Input.Path, analyzes it and writes the report to
// cfg.Output.Dir. Nothing is written when any step fails.
func Execute(ctx context.Context, cfg *config.Config, progress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Input.Path == "" {
		return nil, eris.New("engine: no input path configured")
	}

	records, err := dataset.Load(cfg.Input.Path, cfg.LoadOptions())
	if err != nil {
		return nil, err
	}

	report, err := Run(ctx, cfg, records, progress)
	if err != nil {
		return nil, err
	}

	files, err := output.Write(cfg.Output.Dir, report, cfg.Output.Formats)
	if err != nil {
		return nil, err
	}
	return &Result{Report: report, Dir: cfg.Output.Dir, Files: files}, nil
}

// Run analyzes already loaded records group by group and builds the report.
func Run(ctx context.Context, cfg *config.Config, records []models.RawRecord, progress ProgressFunc) (*models.Report, error) {
	a := cfg.Analysis

	var ranges []models.DistanceRange
	if a.Mode == config.ModeBucketed {
		var err error
		if ranges, err = aggregate.Ranges(a.BucketsKm); err != nil {
			return nil, err
		}
		if last := ranges[len(ranges)-1].Hi; a.MaxDistanceKm == 0 || last < a.MaxDistanceKm {
			zap.L().Warn("engine: buckets end before the distance cutoff, farther matches stay unbucketed",
				zap.Float64("last_bucket_km", last),
				zap.Float64("max_distance_km", a.MaxDistanceKm),
			)
		}
	}

	report := &models.Report{
		Mode:       a.Mode,
		Records:    len(records),
		Groups:     make([]models.GroupReport, 0, len(cfg.Groups)),
		Partitions: []models.Partition{},
		Excluded:   []models.Exclusion{},
	}

	for _, g := range cfg.Groups {
		prepared, err := dataset.Prepare(records, g.Labels, dataset.PrepareOptions{
			IndexMin: a.IndexMin,
			IndexMax: a.IndexMax,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "engine: prepare group %s", g.Name)
		}
		report.Excluded = append(report.Excluded, prepared.Excluded...)

		opts := calculator.Options{
			MinDifference:   a.MinDifference,
			MaxDistanceKm:   a.MaxDistanceKm,
			ZeroFloorKm:     a.ZeroFloorKm,
			IncludeMetadata: a.IncludeMetadata,
			Workers:         a.Workers,
			ProgressEvery:   a.ProgressEvery,
		}
		if progress != nil {
			name := g.Name
			opts.Progress = func(done, total int64) { progress(name, done, total) }
		}

		res, err := calculator.Compare(ctx, prepared.Entities, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: compare group %s", g.Name)
		}
		aggregate.Sort(res.Matches)

		gr := models.GroupReport{
			Name:              g.Name,
			Entities:          len(prepared.Entities),
			Skipped:           prepared.Skipped,
			Excluded:          len(prepared.Excluded),
			PairsVisited:      res.PairsVisited,
			PairsWithinCutoff: res.PairsWithinCutoff,
			Matches:           len(res.Matches),
		}

		switch a.Mode {
		case config.ModeTopK:
			p := aggregate.TopK(fmt.Sprintf("%s-top-%d", g.Name, a.TopK), res.Matches, a.TopK)
			p.Group = g.Name
			report.Partitions = append(report.Partitions, p)
		default:
			parts, unbucketed := aggregate.Buckets(g.Name, res.Matches, ranges)
			gr.Unbucketed = unbucketed
			report.Partitions = append(report.Partitions, parts...)
		}
		report.Groups = append(report.Groups, gr)

		zap.L().Info("engine: group analyzed",
			zap.String("group", g.Name),
			zap.Int("entities", gr.Entities),
			zap.Int("excluded", gr.Excluded),
			zap.Int64("pairs_visited", gr.PairsVisited),
			zap.Int64("pairs_within_cutoff", gr.PairsWithinCutoff),
			zap.Int("matches", gr.Matches),
			zap.Int("unbucketed", gr.Unbucketed),
		)
	}

	logReport(report)
	return report, nil
}

func logReport(r *models.Report) {
	for _, p := range r.Partitions {
		s := p.Stats
		zap.L().Info("engine: partition",
			zap.String("name", p.Name),
			zap.Int("count", s.Count),
			zap.Float64("distance_min", s.DistanceKm.Min),
			zap.Float64("distance_max", s.DistanceKm.Max),
			zap.Float64("distance_mean", s.DistanceKm.Mean),
			zap.Float64("gradient_min", s.Gradient.Min),
			zap.Float64("gradient_max", s.Gradient.Max),
			zap.Float64("gradient_mean", s.Gradient.Mean),
		)
	}
	zap.L().Info("engine: run complete",
		zap.String("mode", r.Mode),
		zap.Int("records", r.Records),
		zap.Int("excluded", len(r.Excluded)),
		zap.Int("matches", r.TotalMatches()),
		zap.Int("partitions", len(r.Partitions)),
	)
}
