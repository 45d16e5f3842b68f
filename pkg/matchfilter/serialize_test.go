package matchfilter

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

func TestFormatFloatField(t *testing.T) {
	// Whole numbers keep the bare decimal point the legacy files carry.
	assert.Equal(t, "2.", formatFloatField(2))
	assert.Equal(t, "0.", formatFloatField(0))
	assert.Equal(t, "-8.", formatFloatField(-8))
	assert.Equal(t, "0.75", formatFloatField(0.75))

	// The long form is precise enough to round trip bit for bit.
	for _, v := range []float64{0.415, -1.2e-5, 7.123456789012345, 1e-30} {
		parsed, err := strconv.ParseFloat(formatFloatField(v), 64)
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
}

func TestEncodeDetectionLine(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 5, 123456000, time.UTC)
	d, err := NewDetection(Detection{
		TemplateName:   "tpl",
		Time:           at,
		NumChans:       4,
		Value:          1.5,
		Threshold:      0.75,
		ThresholdType:  "MAD",
		ThresholdInput: 8,
		Type:           DetectCorr,
		Chans:          []seis.ChannelID{channelID("HHZ"), channelID("HHN")},
	})
	require.NoError(t, err)

	want := "template_name: tpl; " +
		"detect_time: 2024-03-01T12:00:05.123456Z; " +
		"no_chans: 4; " +
		"detect_val: 1.5; " +
		"threshold: 0.75; " +
		"typeofdet: corr; " +
		"threshold_type: MAD; " +
		"threshold_input: 8.; " +
		"chans: NZ.WVZ.10.HHZ,NZ.WVZ.10.HHN; " +
		"event: ; " +
		"id: tpl_20240301_120005123456; "
	assert.Equal(t, want, encodeDetection(d))

	d.Event = &event.Event{ResourceID: "smi:local/event/abc"}
	assert.Contains(t, encodeDetection(d), "event: smi:local/event/abc; ")
}

func TestWriteReadRoundTrip(t *testing.T) {
	at := testStart.Add(5 * time.Second)
	withEvent := testDetection(t, "tpl", at)
	withEvent.Event = &event.Event{
		ResourceID: event.NewResourceID("event"),
		Picks: []event.Pick{{
			Time:       at.Add(200 * time.Millisecond),
			WaveformID: channelID("HHZ"),
			PhaseHint:  "P",
		}},
	}
	bare := testDetection(t, "tpl", testStart.Add(25*time.Second))

	var buf bytes.Buffer
	require.NoError(t, WriteDetections(&buf, []*Detection{withEvent, bare}))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	catalog := event.NewCatalog()
	catalog.Append(withEvent.Event)

	back, err := ReadDetections(&buf, catalog, nil, false)
	require.NoError(t, err)
	require.Len(t, back, 2)

	// The reference resolves to the catalog's event, the very pointer.
	assert.Same(t, withEvent.Event, back[0].Event)
	assert.True(t, withEvent.Equal(back[0]))
	assert.Equal(t, withEvent.ID, back[0].ID)

	assert.Nil(t, back[1].Event)
	assert.True(t, bare.Equal(back[1]))
	assert.Equal(t, DetectCorr, back[1].Type)
}

func TestReadDetectionsSynthesizesMissingEvents(t *testing.T) {
	tpl := testTemplate(t, "tpl")
	at := testStart.Add(5 * time.Second)
	d := testDetection(t, "tpl", at)
	d.Event = &event.Event{ResourceID: "smi:local/event/not-in-catalog"}

	var buf bytes.Buffer
	require.NoError(t, WriteDetections(&buf, []*Detection{d}))

	// The catalog knows other events but not this one.
	catalog := event.NewCatalog()
	catalog.Append(&event.Event{ResourceID: "smi:local/event/unrelated"})

	back, err := ReadDetections(&buf, catalog, tpl, true)
	require.NoError(t, err)
	require.Len(t, back, 1)

	ev := back[0].Event
	require.NotNil(t, ev)
	assert.NotEqual(t, "smi:local/event/not-in-catalog", ev.ResourceID.String())

	// Synthesized from template geometry with the pre-pick lead added back.
	require.Len(t, ev.Picks, 2)
	byChan := map[string]time.Time{}
	for _, p := range ev.Picks {
		byChan[p.WaveformID.String()] = p.Time
	}
	assert.Equal(t, at.Add(200*time.Millisecond), byChan["NZ.WVZ.10.HHZ"])
	assert.Equal(t, at.Add(300*time.Millisecond), byChan["NZ.WVZ.10.HHN"])

	require.Len(t, ev.Origins, 1)
	assert.True(t, ev.Origins[0].Estimated)
}

func TestReadDetectionsWithoutCatalogOrTemplate(t *testing.T) {
	d := testDetection(t, "tpl", testStart.Add(5*time.Second))
	d.Event = &event.Event{ResourceID: "smi:local/event/lost"}

	var buf bytes.Buffer
	require.NoError(t, WriteDetections(&buf, []*Detection{d}))

	back, err := ReadDetections(&buf, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, back, 1)
	// The reference cannot be resolved or rebuilt, so the detection comes
	// back bare rather than failing the read.
	assert.Nil(t, back[0].Event)
}

func TestReadDetectionsLenientDecoding(t *testing.T) {
	line := "banana: split; " +
		"template_name: tpl; " +
		"detect_time: 2024-03-01T12:00:05.123456Z; " +
		"no_chans: 8.0; " +
		"detect_val: ; " +
		"garbage-without-a-colon; " +
		"typeofdet: chi-squared; " +
		"id: legacy_row_7; \n"

	back, err := ReadDetections(strings.NewReader(line), nil, nil, false)
	require.NoError(t, err)
	require.Len(t, back, 1)

	d := back[0]
	assert.Equal(t, "tpl", d.TemplateName)
	// Legacy float channel counts convert to the integer they mean.
	assert.Equal(t, 8, d.NumChans)
	// Blank values keep the zero value.
	assert.InDelta(t, 0, d.Value, 1e-12)
	// Unrecognized detection types degrade to unknown instead of failing.
	assert.Equal(t, DetectUnknown, d.Type)
	assert.Equal(t, "legacy_row_7", d.ID)
}

func TestReadDetectionsBadValue(t *testing.T) {
	_, err := ReadDetections(strings.NewReader("template_name: tpl; detect_time: notatime; \n"), nil, nil, false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySerialization))
	assert.Contains(t, err.Error(), "line 1")
	assert.Contains(t, err.Error(), "detect_time")
}

func TestReadDetectionsSkipsBlankLines(t *testing.T) {
	text := "\n\ntemplate_name: tpl; detect_time: 2024-03-01T12:00:05.123456Z; \n\n"
	back, err := ReadDetections(strings.NewReader(text), nil, nil, false)
	require.NoError(t, err)
	assert.Len(t, back, 1)
}

func TestReadFamilyFiltersOtherTemplates(t *testing.T) {
	tpl := testTemplate(t, "tpl")
	path := filepath.Join(t.TempDir(), "detections.csv")

	dets := []*Detection{
		testDetection(t, "tpl", testStart.Add(5*time.Second)),
		testDetection(t, "other", testStart.Add(10*time.Second)),
		testDetection(t, "tpl", testStart.Add(25*time.Second)),
	}
	require.NoError(t, writeFamilyText(path, dets, false))

	f, err := ReadFamily(path, nil, tpl, false)
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, dets[0].ID, f.At(0).ID)
	assert.Equal(t, dets[2].ID, f.At(1).ID)
}

func TestReadFamilyErrors(t *testing.T) {
	t.Run("nil template", func(t *testing.T) {
		_, err := ReadFamily("whatever.csv", nil, nil, false)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	})

	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nope.csv")
		_, err := ReadFamily(path, nil, testTemplate(t, "tpl"), false)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
	})
}

func TestWriteFamilyTextAppendsUnlessOverwrite(t *testing.T) {
	f := testFamily(t, "tpl", 5*time.Second, 25*time.Second)
	path := filepath.Join(t.TempDir(), "detections.csv")

	countLines := func() int {
		t.Helper()
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return strings.Count(string(data), "\n")
	}

	require.NoError(t, f.Write(path, WriteOptions{Format: FormatCSV}))
	assert.Equal(t, 2, countLines())

	// Long runs append batch after batch into one file.
	require.NoError(t, f.Write(path, WriteOptions{Format: FormatCSV}))
	assert.Equal(t, 4, countLines())

	require.NoError(t, f.Write(path, WriteOptions{Format: FormatCSV, Overwrite: true}))
	assert.Equal(t, 2, countLines())
}

func TestWriteThenReadFamilyRoundTrip(t *testing.T) {
	tpl := testTemplate(t, "tpl")
	f := testFamily(t, "tpl", 5*time.Second, 25*time.Second, 65*time.Second)
	path := filepath.Join(t.TempDir(), "detections.csv")

	require.NoError(t, f.Write(path, WriteOptions{Format: FormatCSV}))

	back, err := ReadFamily(path, nil, tpl, false)
	require.NoError(t, err)
	assert.True(t, f.Equal(back))
}
