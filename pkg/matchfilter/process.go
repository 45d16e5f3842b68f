package matchfilter

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/dsp"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// Data quality gates. Coverage is the finite fraction of a channel's
// merged span.
const (
	// minCoverage is how much of the span a channel must cover to be
	// processed at all.
	minCoverage = 0.8
	// minUsableCoverage is the floor below which a channel is considered
	// junk rather than merely short.
	minUsableCoverage = 0.5
)

// ProcessOptions control how ProcessStream prepares continuous data.
type ProcessOptions struct {
	// PreProcessed skips filtering and resampling, for data that already
	// went through the recipe upstream. Selection and merging still happen.
	PreProcessed bool
	// IgnoreLength accepts channels covering less than 80% of their span.
	IgnoreLength bool
	// IgnoreBadData drops flat or non-finite channels with a warning
	// instead of failing the whole stream.
	IgnoreBadData bool
	// Workers caps the channels processed concurrently, 0 means one per
	// CPU.
	Workers int
}

// ProcessStream prepares continuous data for comparison with a template:
// keep only the template's channels, merge fragments onto a common grid,
// then detrend, filter and resample each gap-free segment per the
// template's recipe. Channels are processed concurrently; output order is
// deterministic regardless.
//
// Channels covering less than 80% of their merged span fail with
// ErrInsufficientData unless IgnoreLength is set. Channels that are flat,
// not finite, or below 50% coverage fail with ErrBadData unless
// IgnoreBadData is set, in which case they are dropped with a warning.
func ProcessStream(ctx context.Context, stream *seis.Stream, tpl *Template, opts ProcessOptions) (*seis.Stream, error) {
	if stream == nil {
		return nil, errors.New(errors.NewStd("cannot process a nil stream")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	if tpl == nil {
		return nil, errors.New(errors.NewStd("cannot process without a template")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}

	selected := seis.NewStream()
	for _, id := range tpl.ChannelIDs() {
		selected.AddStream(stream.Select(id))
	}
	merged := selected.Merge()
	if merged.Len() == 0 {
		getLogger().Warn("no continuous data matches the template channels",
			"template", tpl.Name, "stream_traces", stream.Len())
		return merged, nil
	}
	if opts.PreProcessed {
		return merged.Split(), nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	results := make([]*seis.Stream, merged.Len())
	for i, tr := range merged.Traces {
		i, tr := i, tr
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			segs, err := processChannel(tr, tpl.Recipe, opts)
			if err != nil {
				return err
			}
			results[i] = segs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := seis.NewStream()
	for _, segs := range results {
		if segs != nil {
			out.AddStream(segs)
		}
	}
	out.Sort()
	return out, nil
}

// processChannel applies the quality gates and the recipe to one merged
// channel. The returned stream holds one trace per gap-free segment, all
// at the recipe's sample rate.
func processChannel(tr *seis.Trace, recipe ProcessingRecipe, opts ProcessOptions) (*seis.Stream, error) {
	finite := 0
	for _, v := range tr.Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite++
		}
	}
	coverage := 0.0
	if tr.Npts() > 0 {
		coverage = float64(finite) / float64(tr.Npts())
	}

	if coverage < minCoverage && !opts.IgnoreLength {
		return nil, errors.Newf("channel %s covers %.0f%% of its span: %w", tr.ID, coverage*100, ErrInsufficientData).
			Component("matchfilter").
			Category(errors.CategoryDataQuality).
			ChannelContext(tr.ID.String()).
			Context("coverage", coverage).
			Build()
	}

	if bad, reason := unusable(tr.Data, finite, coverage); bad {
		if !opts.IgnoreBadData {
			return nil, errors.Newf("channel %s is %s: %w", tr.ID, reason, ErrBadData).
				Component("matchfilter").
				Category(errors.CategoryDataQuality).
				ChannelContext(tr.ID.String()).
				Build()
		}
		getLogger().Warn("dropping unusable channel", "channel", tr.ID.String(), "reason", reason)
		return seis.NewStream(), nil
	}

	out := seis.NewStream()
	for _, seg := range seis.NewStream(tr).Split().Traces {
		prepared, err := prepareSegment(seg, recipe)
		if err != nil {
			return nil, err
		}
		if prepared != nil {
			out.Add(prepared)
		}
	}
	return out, nil
}

// unusable reports whether a channel's samples carry no signal at all.
func unusable(data []float64, finite int, coverage float64) (bool, string) {
	if finite == 0 {
		return true, "entirely non-finite"
	}
	if coverage < minUsableCoverage {
		return true, "mostly gaps"
	}
	first := math.NaN()
	flat := true
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if math.IsNaN(first) {
			first = v
			continue
		}
		if v != first {
			flat = false
			break
		}
	}
	if flat {
		return true, "flat"
	}
	return false, ""
}

// prepareSegment runs detrend, filter and resample on one gap-free
// segment. Segments too short to resample are dropped with a debug log,
// they cannot hold a template match anyway.
func prepareSegment(seg *seis.Trace, recipe ProcessingRecipe) (*seis.Trace, error) {
	dsp.Detrend(seg.Data)

	passes := recipe.filterPasses()
	switch {
	case recipe.Lowcut > 0 && recipe.Highcut > 0:
		chain, err := dsp.NewBandPass(seg.SampleRate, recipe.Lowcut, recipe.Highcut, passes)
		if err != nil {
			return nil, wrapFilterErr(err, seg)
		}
		chain.ApplyBatch(seg.Data)
	case recipe.Highcut > 0:
		lp, err := dsp.NewLowPass(seg.SampleRate, recipe.Highcut, passes)
		if err != nil {
			return nil, wrapFilterErr(err, seg)
		}
		lp.ApplyBatch(seg.Data)
	case recipe.Lowcut > 0:
		hp, err := dsp.NewHighPass(seg.SampleRate, recipe.Lowcut, passes)
		if err != nil {
			return nil, wrapFilterErr(err, seg)
		}
		hp.ApplyBatch(seg.Data)
	}

	if seg.SampleRate == recipe.SampleRate {
		return seg, nil
	}
	resampled, err := dsp.Resample(seg.Data, seg.SampleRate, recipe.SampleRate)
	if err != nil {
		getLogger().Debug("dropping segment too short to resample",
			"channel", seg.ID.String(), "npts", seg.Npts(), "error", err)
		return nil, nil
	}
	return &seis.Trace{
		ID:         seg.ID,
		StartTime:  seg.StartTime,
		SampleRate: recipe.SampleRate,
		Data:       resampled,
	}, nil
}

func wrapFilterErr(err error, seg *seis.Trace) error {
	return errors.New(err).
		Component("matchfilter").
		Category(errors.CategoryProcessing).
		ChannelContext(seg.ID.String()).
		Build()
}
