package lagcalc

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tremorlab/quakescan-go/pkg/seis"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// wiggle builds a non-repeating signal so only the true alignment
// correlates near one.
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

func channelID(chn string) seis.ChannelID {
	return seis.ChannelID{Network: "NZ", Station: "WVZ", Location: "10", Channel: chn}
}

// embeddedScenario cuts a 1 s template out of 12 s of continuous data at
// 100 Hz, 5 s in. The returned job is deliberately 30 ms early so the
// refinement has a real lag to find.
func embeddedScenario(chn string) (TemplateChannel, Job, *seis.Stream, time.Time) {
	const sampleRate = 100.0
	data := wiggle(1200, sampleRate)
	tr, err := seis.NewTrace(channelID(chn), testStart, sampleRate, data)
	if err != nil {
		panic(err)
	}
	tplData := append([]float64(nil), data[500:600]...)
	trueStart := testStart.Add(5 * time.Second)

	ch := TemplateChannel{ID: channelID(chn), SampleRate: sampleRate, Data: tplData}
	job := Job{ID: "tpl_20240301_120005000000", Time: trueStart.Add(-30 * time.Millisecond), MinCC: 0.8}
	return ch, job, seis.NewStream(tr), trueStart
}

func TestRefineFindsKnownLag(t *testing.T) {
	ch, job, stream, trueStart := embeddedScenario("EHZ")

	for _, interpolate := range []bool{false, true} {
		params := DefaultParams()
		params.Interpolate = interpolate

		results, err := Refine(context.Background(), []TemplateChannel{ch}, []Job{job}, stream, params)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Len(t, results[0].Picks, 1)

		pick := results[0].Picks[0]
		diff := pick.Time.Sub(trueStart)
		if diff < 0 {
			diff = -diff
		}
		assert.Less(t, diff, 5*time.Millisecond, "interpolate=%v: pick off by %s", interpolate, diff)
		assert.Equal(t, "P", pick.PhaseHint)
		require.Len(t, pick.Comments, 1)
		assert.True(t, strings.HasPrefix(pick.Comments[0].Text, "cc_max="), "comment %q", pick.Comments[0].Text)
	}
}

func TestRefinePhaseClassification(t *testing.T) {
	var channels []TemplateChannel
	var stream seis.Stream
	var job Job
	for _, chn := range []string{"EHZ", "EHN", "EHX"} {
		ch, j, st, _ := embeddedScenario(chn)
		channels = append(channels, ch)
		stream.AddStream(st)
		job = j
	}

	results, err := Refine(context.Background(), channels, []Job{job}, &stream, DefaultParams())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Picks, 3)

	hints := make(map[string]string)
	for _, p := range results[0].Picks {
		hints[p.WaveformID.Channel] = p.PhaseHint
	}
	assert.Equal(t, "P", hints["EHZ"])
	assert.Equal(t, "S", hints["EHN"])
	assert.Equal(t, "", hints["EHX"])
}

func TestRefineRespectsMinCC(t *testing.T) {
	// Continuous data at a different frequency than the template, so the
	// window is usable but never correlates well.
	const sampleRate = 100.0
	cont := make([]float64, 1200)
	for i := range cont {
		cont[i] = math.Sin(2 * math.Pi * 3.4 * float64(i) / sampleRate)
	}
	tr, err := seis.NewTrace(channelID("EHZ"), testStart, sampleRate, cont)
	require.NoError(t, err)

	tpl := make([]float64, 100)
	for i := range tpl {
		tpl[i] = math.Sin(2 * math.Pi * 10 * float64(i) / sampleRate)
	}
	ch := TemplateChannel{ID: channelID("EHZ"), SampleRate: sampleRate, Data: tpl}
	job := Job{ID: "det-low-cc", Time: testStart.Add(5 * time.Second), MinCC: 0.95}

	results, err := Refine(context.Background(), []TemplateChannel{ch}, []Job{job}, seis.NewStream(tr), DefaultParams())
	require.NoError(t, err)
	// The channel was usable, so the detection is reported, just pickless.
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Picks)
}

func TestRefineSkipsUncoveredWindows(t *testing.T) {
	ch, job, stream, _ := embeddedScenario("EHZ")
	// A detection beyond the end of the data has no covered window at all.
	job.Time = testStart.Add(time.Hour)

	results, err := Refine(context.Background(), []TemplateChannel{ch}, []Job{job}, stream, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRefineKeepsJobOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch, _, stream, trueStart := embeddedScenario("EHZ")
	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{
			ID:    "det-" + string(rune('a'+i)),
			Time:  trueStart.Add(time.Duration(i-4) * 10 * time.Millisecond),
			MinCC: 0.1,
		})
	}

	params := DefaultParams()
	params.Workers = 4
	results, err := Refine(context.Background(), []TemplateChannel{ch}, jobs, stream, params)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, res := range results {
		assert.Equal(t, jobs[i].ID, res.JobID)
	}
}

func TestRefineCancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch, job, stream, _ := embeddedScenario("EHZ")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Refine(ctx, []TemplateChannel{ch}, []Job{job}, stream, DefaultParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefineValidation(t *testing.T) {
	ch, job, stream, _ := embeddedScenario("EHZ")

	_, err := Refine(context.Background(), nil, []Job{job}, stream, DefaultParams())
	assert.Error(t, err)

	_, err = Refine(context.Background(), []TemplateChannel{ch}, []Job{job}, nil, DefaultParams())
	assert.Error(t, err)

	bad := DefaultParams()
	bad.MinCC = 1.5
	_, err = Refine(context.Background(), []TemplateChannel{ch}, []Job{job}, stream, bad)
	assert.Error(t, err)

	results, err := Refine(context.Background(), []TemplateChannel{ch}, nil, stream, DefaultParams())
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestRefineExportsCorrelations(t *testing.T) {
	ch, job, stream, _ := embeddedScenario("EHZ")
	dir := t.TempDir()

	params := DefaultParams()
	params.ExportCC = true
	params.CCDir = dir

	_, err := Refine(context.Background(), []TemplateChannel{ch}, []Job{job}, stream, params)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, job.ID+"-cc.bin"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[:4]))
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 200*time.Millisecond, p.ShiftLen)
	assert.InDelta(t, 0.4, p.MinCC, 1e-12)
	assert.Equal(t, []string{"E", "N", "1", "2"}, p.HorizontalChans)
	assert.Equal(t, []string{"Z"}, p.VerticalChans)
	assert.Equal(t, 1, p.Workers)
}
