// Package lagcalc refines coarse detection times into phase picks by cross
// correlating each template channel against the continuous data around its
// detection. It works on plain channel data and knows nothing about
// templates or families; the matchfilter package adapts its types into
// jobs and interprets the picks that come back.
package lagcalc

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/dsp"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// Params control one refinement run.
type Params struct {
	// ShiftLen is how far each side of its nominal position a channel may
	// slide while searching for the best correlation.
	ShiftLen time.Duration
	// MinCC is the correlation floor below which no pick is made.
	MinCC float64
	// MinCCFromMeanFactor, when positive, lets callers scale the floor per
	// detection from its mean channel correlation. This package never
	// applies it, the resolved floor arrives on each Job; it travels here
	// so configuration has one home.
	MinCCFromMeanFactor float64
	// HorizontalChans are component codes picked as S phases.
	HorizontalChans []string
	// VerticalChans are component codes picked as P phases.
	VerticalChans []string
	// Interpolate refines pick times below one sample by fitting a
	// parabola through the correlation peak.
	Interpolate bool
	// ExportCC writes each detection's correlation series next to the
	// results for offline inspection.
	ExportCC bool
	// CCDir is where correlation exports go, the working directory when
	// empty.
	CCDir string
	// Workers caps concurrent detections, minimum one.
	Workers int
}

// DefaultParams match the values the pipeline has always shipped with.
func DefaultParams() Params {
	return Params{
		ShiftLen:        200 * time.Millisecond,
		MinCC:           0.4,
		HorizontalChans: []string{"E", "N", "1", "2"},
		VerticalChans:   []string{"Z"},
		Workers:         1,
	}
}

func (p Params) validate() error {
	if p.ShiftLen < 0 {
		return errors.Newf("shift length must not be negative, got %s", p.ShiftLen).
			Component("lagcalc").
			Category(errors.CategoryValidation).
			Build()
	}
	if p.MinCC < 0 || p.MinCC > 1 {
		return errors.Newf("minimum correlation must be within [0, 1], got %g", p.MinCC).
			Component("lagcalc").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// TemplateChannel is one channel of the reference waveform.
type TemplateChannel struct {
	ID         seis.ChannelID
	Offset     time.Duration // moveout from the earliest template channel
	SampleRate float64
	Data       []float64 // read only, shared across workers
}

// Job is one detection to refine. MinCC is the resolved acceptance floor
// for this detection.
type Job struct {
	ID    string
	Time  time.Time // alignment time of the earliest template channel
	MinCC float64
}

// Result carries the picks of one refined detection. A job with usable
// data but no correlation above its floor yields a Result with no picks;
// jobs with no usable data at all yield no Result.
type Result struct {
	JobID string
	Picks []event.Pick
}

// Refine cross correlates every template channel around every job and
// turns accepted peaks into picks. Jobs run concurrently on a small worker
// pool; results come back in job order regardless. Channels whose
// correlation window is not fully covered by continuous data are skipped,
// a truncated window would bias the lag.
//
// Pick times are relative to the template window start. Callers that cut
// their templates with a pre-pick lead must add it back themselves.
func Refine(ctx context.Context, channels []TemplateChannel, jobs []Job, stream *seis.Stream, params Params) ([]Result, error) {
	if len(channels) == 0 {
		return nil, errors.New(errors.NewStd("refinement needs at least one template channel")).
			Component("lagcalc").
			Category(errors.CategoryValidation).
			Build()
	}
	if stream == nil {
		return nil, errors.New(errors.NewStd("refinement needs continuous data")).
			Component("lagcalc").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	workers := params.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	// Each worker writes only its own job slots, the coordinator reads
	// them after Wait.
	slots := make([]*Result, len(jobs))
	type indexedJob struct {
		idx int
		job Job
	}
	jobCh := make(chan indexedJob)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ij := range jobCh {
				if ctx.Err() != nil {
					continue
				}
				slots[ij.idx] = refineOne(channels, ij.job, stream, params)
			}
		}()
	}

feed:
	for i, job := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case jobCh <- indexedJob{idx: i, job: job}:
		}
	}
	close(jobCh)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.New(err).
			Component("lagcalc").
			Category(errors.CategoryCancellation).
			Build()
	}

	out := make([]Result, 0, len(jobs))
	for _, res := range slots {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

// refineOne correlates all template channels for a single job. Returns nil
// when no channel had a fully covered window.
func refineOne(channels []TemplateChannel, job Job, stream *seis.Stream, params Params) *Result {
	usable := 0
	var picks []event.Pick
	var export []ccSeries

	for _, ch := range channels {
		tplN := len(ch.Data)
		if tplN == 0 || ch.SampleRate <= 0 {
			continue
		}
		shiftSamples := int(math.Round(params.ShiftLen.Seconds() * ch.SampleRate))
		wantN := tplN + 2*shiftSamples

		nominal := job.Time.Add(ch.Offset)
		winStart := nominal.Add(-params.ShiftLen)
		winEnd := winStart.Add(secondsToDuration(float64(wantN-1) / ch.SampleRate))

		window := cutWindow(stream, ch.ID, winStart, winEnd, wantN)
		if window == nil {
			getLogger().Debug("window not covered by continuous data, skipping channel",
				"detection", job.ID, "channel", ch.ID.String())
			continue
		}

		cc, err := dsp.NormXCorr(ch.Data, window.Data)
		if err != nil {
			getLogger().Debug("channel cannot be correlated", "detection", job.ID,
				"channel", ch.ID.String(), "error", err)
			continue
		}
		usable++
		if params.ExportCC {
			export = append(export, ccSeries{id: ch.ID, cc: cc})
		}

		idx, peak := dsp.MaxCorrelation(cc)
		if peak < job.MinCC {
			continue
		}

		offset := float64(idx)
		value := peak
		if params.Interpolate {
			delta, refined := dsp.SubsamplePeak(cc, idx)
			offset += delta
			value = refined
		}

		pickTime := window.StartTime.Add(secondsToDuration(offset / window.SampleRate))
		picks = append(picks, event.Pick{
			ResourceID: event.NewResourceID("pick"),
			Time:       pickTime,
			WaveformID: ch.ID,
			PhaseHint:  classifyPhase(ch.ID.Component(), params),
			Comments:   []event.Comment{{Text: fmt.Sprintf("cc_max=%g", value)}},
		})
	}

	if usable == 0 {
		return nil
	}
	if params.ExportCC {
		if err := writeCCFile(params.CCDir, job.ID, export); err != nil {
			getLogger().Warn("failed to export correlation series",
				"detection", job.ID, "error", err)
		}
	}
	return &Result{JobID: job.ID, Picks: picks}
}

// cutWindow returns the first trace of the channel that fully covers
// [start, end], cut to it. Nil when no trace does.
func cutWindow(stream *seis.Stream, id seis.ChannelID, start, end time.Time, wantN int) *seis.Trace {
	for _, tr := range stream.Select(id).Traces {
		cut := tr.Slice(start, end)
		if cut.Npts() >= wantN {
			return cut
		}
	}
	return nil
}

// classifyPhase maps a component code onto a phase hint. Unknown
// components get no hint rather than a guess.
func classifyPhase(component string, params Params) string {
	for _, v := range params.VerticalChans {
		if strings.EqualFold(component, v) {
			return "P"
		}
	}
	for _, h := range params.HorizontalChans {
		if strings.EqualFold(component, h) {
			return "S"
		}
	}
	return ""
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
