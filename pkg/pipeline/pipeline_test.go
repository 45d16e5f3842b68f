package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tremorlab/quakescan-go/internal/conf"
	"github.com/tremorlab/quakescan-go/internal/datastore"
	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/lagcalc"
	"github.com/tremorlab/quakescan-go/pkg/matchfilter"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func channelID(chn string) seis.ChannelID {
	return seis.ChannelID{Network: "NZ", Station: "WVZ", Location: "10", Channel: chn}
}

// wiggle mixes three incommensurate sines so correlation peaks are
// unambiguous.
func wiggle(n int, sampleRate float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(i) / sampleRate
		out[i] = math.Sin(2*math.Pi*3*t) +
			0.6*math.Sin(2*math.Pi*7.3*t+1.0) +
			0.3*math.Sin(2*math.Pi*13.7*t+2.0)
	}
	return out
}

func mustTrace(t *testing.T, id seis.ChannelID, start time.Time, rate float64, data []float64) *seis.Trace {
	t.Helper()
	tr, err := seis.NewTrace(id, start, rate, data)
	require.NoError(t, err)
	return tr
}

// syntheticRun builds a continuous stream and a one-detection family whose
// template was cut straight out of it 20 s in, so refinement outcomes are
// known exactly. The detection is deliberately 30 ms early.
func syntheticRun(t *testing.T) (f *matchfilter.Family, continuous *seis.Stream, trueAt time.Time) {
	t.Helper()
	const rate = 100.0
	hhzData := wiggle(6000, rate)
	hhnData := wiggle(6100, rate)[100:]
	continuous = seis.NewStream(
		mustTrace(t, channelID("HHZ"), testStart, rate, hhzData),
		mustTrace(t, channelID("HHN"), testStart, rate, hhnData),
	)

	trueAt = testStart.Add(20 * time.Second)
	waveform := seis.NewStream(
		mustTrace(t, channelID("HHZ"), trueAt, rate, append([]float64(nil), hhzData[2000:2100]...)),
		mustTrace(t, channelID("HHN"), trueAt.Add(100*time.Millisecond), rate, append([]float64(nil), hhnData[2010:2110]...)),
	)
	tpl, err := matchfilter.NewTemplate("tpl", waveform, matchfilter.ProcessingRecipe{SampleRate: rate}, 200*time.Millisecond, nil)
	require.NoError(t, err)

	d, err := matchfilter.NewDetection(matchfilter.Detection{
		TemplateName: "tpl",
		Time:         trueAt.Add(-30 * time.Millisecond),
		NumChans:     2,
		Value:        1.9,
		Type:         matchfilter.DetectCorr,
		Chans:        []seis.ChannelID{channelID("HHZ"), channelID("HHN")},
	})
	require.NoError(t, err)
	f, err = matchfilter.NewFamily(tpl, d)
	require.NoError(t, err)
	return f, continuous, trueAt
}

func refineParams() lagcalc.Params {
	return lagcalc.Params{
		ShiftLen:        200 * time.Millisecond,
		MinCC:           0.6,
		HorizontalChans: []string{"N", "E"},
		VerticalChans:   []string{"Z"},
		Workers:         2,
	}
}

// counterSum gathers one counter family and sums its series.
func counterSum(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

// gaugeValue gathers one gauge family and returns its single series.
func gaugeValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestLoadOptionsFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "custom.yaml")

	s := &conf.Settings{}
	s.Main.Name = "field-node"
	s.Main.Log.Enabled = true
	s.Main.Log.Path = "field.log"
	s.Processing.Workers = 3
	s.Processing.IgnoreLength = true
	s.LagCalc.ShiftLen = 0.5
	s.LagCalc.MinCC = 0.35
	s.LagCalc.HorizontalChans = []string{"E", "N"}
	s.LagCalc.VerticalChans = []string{"Z"}
	s.LagCalc.Workers = 2
	s.Output.SQLite.Enabled = true
	s.Output.SQLite.Path = "detections.db"
	s.Output.File.Enabled = true
	s.Output.File.Path = "results/"
	s.Output.File.Type = "json"
	require.NoError(t, conf.SaveYAMLConfig(configPath, s))

	opts, err := LoadOptions(configPath)
	require.NoError(t, err)

	assert.Equal(t, "field-node", opts.NodeName)
	assert.Equal(t, "field.log", opts.LogFile)
	assert.Equal(t, 3, opts.Process.Workers)
	assert.True(t, opts.Process.IgnoreLength)
	assert.Equal(t, 500*time.Millisecond, opts.LagCalc.ShiftLen)
	assert.Equal(t, 0.35, opts.LagCalc.MinCC)
	assert.Equal(t, []string{"E", "N"}, opts.LagCalc.HorizontalChans)
	assert.Equal(t, 2, opts.LagCalc.Workers)
	assert.True(t, opts.Store.Enabled)
	assert.Equal(t, DriverSQLite, opts.Store.Driver)
	assert.Equal(t, "detections.db", opts.Store.Path)
	assert.True(t, opts.Export.Enabled)
	assert.Equal(t, "results/", opts.Export.Dir)
	assert.Equal(t, "json", opts.Export.Format)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestOptionsFromSettingsMySQL(t *testing.T) {
	s := &conf.Settings{}
	s.Output.MySQL.Enabled = true
	s.Output.MySQL.Username = "quake"
	s.Output.MySQL.Password = "shhh"
	s.Output.MySQL.Host = "db.local"
	s.Output.MySQL.Port = "3307"
	s.Output.MySQL.Database = "detections"

	opts := OptionsFromSettings(s)

	require.True(t, opts.Store.Enabled)
	assert.Equal(t, DriverMySQL, opts.Store.Driver)
	assert.Equal(t, "quake", opts.Store.Username)
	assert.Equal(t, "shhh", opts.Store.Password)
	assert.Equal(t, "db.local", opts.Store.Host)
	assert.Equal(t, "3307", opts.Store.Port)
	assert.Equal(t, "detections", opts.Store.Database)
	assert.False(t, opts.Export.Enabled)
	assert.Empty(t, opts.LogFile)
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Run("unknown store driver", func(t *testing.T) {
		_, err := New(Options{Store: StoreOptions{Enabled: true, Driver: "postgres"}})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		assert.Contains(t, err.Error(), "unknown store driver")
	})

	t.Run("unknown export format", func(t *testing.T) {
		_, err := New(Options{Export: ExportOptions{Enabled: true, Dir: t.TempDir(), Format: "xml"}})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		assert.Contains(t, err.Error(), "unknown export format")
	})
}

func TestRunEndToEnd(t *testing.T) {
	f, continuous, trueAt := syntheticRun(t)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "detections.db")
	exportDir := filepath.Join(dir, "results")
	logPath := filepath.Join(dir, "log", "pipeline.log")

	p, err := New(Options{
		NodeName: "test-node",
		LagCalc:  refineParams(),
		Store:    StoreOptions{Enabled: true, Driver: DriverSQLite, Path: dbPath},
		Export:   ExportOptions{Enabled: true, Dir: exportDir, Format: "csv"},
		LogFile:  logPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	report, err := p.Run(context.Background(), f, continuous)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Detections)
	assert.Equal(t, 1, report.Picked)
	assert.Equal(t, 2, report.Picks)
	assert.Equal(t, 1, report.Stored)
	assert.Positive(t, report.Elapsed)

	// The family was refined in place: picks land back on the true
	// alignment, corrected by the pre-pick lead.
	ev := f.At(0).Event
	require.NotNil(t, ev)
	require.Len(t, ev.Picks, 2)
	for _, pk := range ev.Picks {
		switch pk.PhaseHint {
		case "P":
			assert.Equal(t, trueAt.Add(200*time.Millisecond), pk.Time)
		case "S":
			assert.Equal(t, trueAt.Add(300*time.Millisecond), pk.Time)
		default:
			t.Fatalf("unexpected phase hint %q", pk.PhaseHint)
		}
	}

	// Stored rows round trip through a fresh connection.
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = dbPath
	store, err := datastore.New(settings, nil)
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	recs, err := store.GetByTemplate(context.Background(), "tpl")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, f.At(0).ID, recs[0].ID)
	assert.Len(t, recs[0].Picks, 2)

	// The export landed under the template's name.
	data, err := os.ReadFile(filepath.Join(exportDir, "tpl.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "template_name: tpl; ")

	// The rotating log file carries the run.
	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "pipeline run finished")

	g := p.Gatherer()
	assert.InDelta(t, 1, counterSum(t, g, "pipeline_detections_processed_total"), 1e-9)
	assert.InDelta(t, 1, counterSum(t, g, "pipeline_detections_stored_total"), 1e-9)
	assert.InDelta(t, 2, counterSum(t, g, "lagcalc_picks_total"), 1e-9)
	assert.InDelta(t, 4, counterSum(t, g, "pipeline_stage_operations_total"), 1e-9)
	assert.InDelta(t, 2, gaugeValue(t, g, "pipeline_channels_prepared"), 1e-9)
}

func TestRunValidatesArguments(t *testing.T) {
	f, continuous, _ := syntheticRun(t)
	p, err := New(Options{LagCalc: refineParams()})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	_, err = p.Run(context.Background(), nil, continuous)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = p.Run(context.Background(), f, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestRunLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f, continuous, _ := syntheticRun(t)
	p, err := New(Options{
		LagCalc: refineParams(),
		Process: matchfilter.ProcessOptions{Workers: 4},
	})
	require.NoError(t, err)

	report, err := p.Run(context.Background(), f, continuous)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Picks)
	require.NoError(t, p.Close())
}
