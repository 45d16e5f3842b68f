package matchfilter

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

func TestNewDetectionDerivesID(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 5, 123456000, time.UTC)
	d := testDetection(t, "tpl", at)
	assert.Equal(t, "tpl_20240301_120005123456", d.ID)

	// The id is derived from the UTC instant, not the wall clock zone.
	wellington := time.FixedZone("NZDT", 13*60*60)
	shifted := testDetection(t, "tpl", at.In(wellington))
	assert.Equal(t, d.ID, shifted.ID)

	// An explicit id survives untouched.
	withID, err := NewDetection(Detection{TemplateName: "tpl", Time: at, ID: "legacy_row_7"})
	require.NoError(t, err)
	assert.Equal(t, "legacy_row_7", withID.ID)
}

func TestNewDetectionValidation(t *testing.T) {
	valid := Detection{TemplateName: "tpl", Time: testStart, NumChans: 2, Type: DetectCorr}

	t.Run("empty template name", func(t *testing.T) {
		bad := valid
		bad.TemplateName = ""
		_, err := NewDetection(bad)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	})

	t.Run("zero detect time", func(t *testing.T) {
		bad := valid
		bad.Time = time.Time{}
		_, err := NewDetection(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "detect time")
	})

	t.Run("negative channel count", func(t *testing.T) {
		bad := valid
		bad.NumChans = -1
		_, err := NewDetection(bad)
		require.Error(t, err)
	})

	t.Run("unknown detection type", func(t *testing.T) {
		bad := valid
		bad.Type = "chi-squared"
		_, err := NewDetection(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "chi-squared")
	})

	t.Run("empty type defaults to unknown", func(t *testing.T) {
		loose := valid
		loose.Type = ""
		d, err := NewDetection(loose)
		require.NoError(t, err)
		assert.Equal(t, DetectUnknown, d.Type)
	})
}

func TestNewDetectionCopiesChans(t *testing.T) {
	chans := []seis.ChannelID{channelID("HHZ"), channelID("HHN")}
	d, err := NewDetection(Detection{TemplateName: "tpl", Time: testStart, Chans: chans})
	require.NoError(t, err)

	chans[0] = channelID("XXX")
	assert.Equal(t, "NZ.WVZ.10.HHZ", d.Chans[0].String())
}

func TestDetectionEqualTolerances(t *testing.T) {
	base := testDetection(t, "tpl", testStart.Add(5*time.Second))

	t.Run("equal to itself", func(t *testing.T) {
		assert.True(t, base.Equal(base.Copy()))
	})

	t.Run("float drift within tolerance", func(t *testing.T) {
		near := base.Copy()
		near.Value += 1e-8
		assert.True(t, base.Equal(near))

		far := base.Copy()
		far.Value += 1e-3
		assert.False(t, base.Equal(far))
	})

	t.Run("times compared at microsecond precision", func(t *testing.T) {
		near := base.Copy()
		near.Time = near.Time.Add(500 * time.Nanosecond)
		assert.True(t, base.Equal(near))

		far := base.Copy()
		far.Time = far.Time.Add(2 * time.Microsecond)
		assert.False(t, base.Equal(far))
	})

	t.Run("channel order ignored", func(t *testing.T) {
		flipped := base.Copy()
		flipped.Chans[0], flipped.Chans[1] = flipped.Chans[1], flipped.Chans[0]
		assert.True(t, base.Equal(flipped))
	})

	t.Run("id ignored", func(t *testing.T) {
		renamed := base.Copy()
		renamed.ID = "something_else"
		assert.True(t, base.Equal(renamed))
	})

	t.Run("nan values compare equal", func(t *testing.T) {
		a := base.Copy()
		b := base.Copy()
		a.Value = math.NaN()
		b.Value = math.NaN()
		assert.True(t, a.Equal(b))
	})

	t.Run("threshold type differs", func(t *testing.T) {
		other := base.Copy()
		other.ThresholdType = "absolute"
		assert.False(t, base.Equal(other))
	})

	t.Run("nil other", func(t *testing.T) {
		assert.False(t, base.Equal(nil))
	})
}

func TestDetectionEqualComparesEventsByPicks(t *testing.T) {
	at := testStart.Add(5 * time.Second)
	a := testDetection(t, "tpl", at)
	b := testDetection(t, "tpl", at)

	pickAt := func(ev *event.Event, ch string, offset time.Duration) {
		ev.Picks = append(ev.Picks, event.Pick{
			ResourceID: event.NewResourceID("pick"),
			Time:       at.Add(offset),
			WaveformID: channelID(ch),
			PhaseHint:  "P",
		})
	}

	a.Event = &event.Event{ResourceID: event.NewResourceID("event")}
	b.Event = &event.Event{ResourceID: event.NewResourceID("event")}
	pickAt(a.Event, "HHZ", 200*time.Millisecond)
	pickAt(a.Event, "HHN", 300*time.Millisecond)
	pickAt(b.Event, "HHN", 300*time.Millisecond)
	pickAt(b.Event, "HHZ", 200*time.Millisecond)

	// Distinct resource ids and pick order, same picks.
	assert.True(t, a.Equal(b))

	t.Run("event only on one side", func(t *testing.T) {
		bare := a.Copy()
		bare.Event = nil
		assert.False(t, a.Equal(bare))
	})

	t.Run("phase hint differs", func(t *testing.T) {
		other := a.Copy()
		other.Event.Picks[0].PhaseHint = "S"
		assert.False(t, a.Equal(other))
	})

	t.Run("pick time differs", func(t *testing.T) {
		other := a.Copy()
		other.Event.Picks[1].Time = other.Event.Picks[1].Time.Add(50 * time.Millisecond)
		assert.False(t, a.Equal(other))
	})
}

func TestDetectionCopyIsDeep(t *testing.T) {
	d := testDetection(t, "tpl", testStart.Add(5*time.Second))
	_, err := d.SynthesizeEvent(testTemplate(t, "tpl"), true, true)
	require.NoError(t, err)

	cp := d.Copy()
	require.True(t, d.Equal(cp))
	assert.NotSame(t, d.Event, cp.Event)

	cp.Chans[0] = channelID("XXX")
	cp.Event.Picks[0].Time = cp.Event.Picks[0].Time.Add(time.Hour)
	assert.Equal(t, "NZ.WVZ.10.HHZ", d.Chans[0].String())
	assert.False(t, d.Equal(cp))
}

func TestSynthesizeEventPicksAndOrigin(t *testing.T) {
	tpl := testTemplate(t, "tpl")
	at := testStart.Add(10 * time.Second)
	d := testDetection(t, "tpl", at)

	ev, err := d.SynthesizeEvent(tpl, true, true)
	require.NoError(t, err)
	assert.Same(t, ev, d.Event)

	// One pick per template trace, offset by moveout plus the pre-pick lead.
	require.Len(t, ev.Picks, 2)
	byChan := map[string]event.Pick{}
	for _, p := range ev.Picks {
		byChan[p.WaveformID.String()] = p
	}
	assert.Equal(t, at.Add(200*time.Millisecond), byChan["NZ.WVZ.10.HHZ"].Time)
	assert.Equal(t, at.Add(300*time.Millisecond), byChan["NZ.WVZ.10.HHN"].Time)

	// Origin shifted from the template's reference origin and flagged.
	require.Len(t, ev.Origins, 1)
	o := ev.Origins[0]
	assert.Equal(t, at.Add(-500*time.Millisecond), o.Time)
	assert.True(t, o.Estimated)
	assert.InDelta(t, -43.53, o.Latitude, 1e-9)
	assert.InDelta(t, 172.63, o.Longitude, 1e-9)
	assert.InDelta(t, 5.2, o.Depth, 1e-9)

	assert.Equal(t, "QuakeScan", ev.CreationInfo.Author)
	assert.Equal(t, "tremorlab", ev.CreationInfo.AgencyID)
	require.Len(t, ev.Comments, 1)
	assert.Equal(t, "Created from detection "+d.ID, ev.Comments[0].Text)
}

func TestSynthesizeEventOptions(t *testing.T) {
	at := testStart.Add(10 * time.Second)

	t.Run("without prepick correction", func(t *testing.T) {
		d := testDetection(t, "tpl", at)
		ev, err := d.SynthesizeEvent(testTemplate(t, "tpl"), false, false)
		require.NoError(t, err)

		byChan := map[string]event.Pick{}
		for _, p := range ev.Picks {
			byChan[p.WaveformID.String()] = p
		}
		assert.Equal(t, at, byChan["NZ.WVZ.10.HHZ"].Time)
		assert.Equal(t, at.Add(100*time.Millisecond), byChan["NZ.WVZ.10.HHN"].Time)
		assert.Empty(t, ev.Origins)
	})

	t.Run("origin needs a located template event", func(t *testing.T) {
		tpl := testTemplate(t, "tpl")
		tpl.Event = nil
		d := testDetection(t, "tpl", at)
		ev, err := d.SynthesizeEvent(tpl, true, true)
		require.NoError(t, err)
		assert.Empty(t, ev.Origins)
	})
}

func TestSynthesizeEventTemplateMismatch(t *testing.T) {
	d := testDetection(t, "tpl", testStart.Add(10*time.Second))

	_, err := d.SynthesizeEvent(testTemplate(t, "other"), true, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateMismatch))
	assert.True(t, errors.IsCategory(err, errors.CategoryContract))
	assert.Nil(t, d.Event)

	_, err = d.SynthesizeEvent(nil, true, true)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryContract))
}

func TestExtractStreamWindows(t *testing.T) {
	const rate = 100.0
	continuous := seis.NewStream(
		mustTrace(t, channelID("HHZ"), testStart, rate, wiggle(6000, rate)),
		mustTrace(t, channelID("HHN"), testStart, rate, wiggle(6000, rate)),
	)
	at := testStart.Add(10 * time.Second)
	d := testDetection(t, "tpl", at)

	t.Run("anchored at detect time without picks", func(t *testing.T) {
		out := d.ExtractStream(continuous, 2*time.Second, 500*time.Millisecond)
		require.Equal(t, 2, out.Len())
		for _, tr := range out.Traces {
			assert.Equal(t, at.Add(-500*time.Millisecond), tr.StartTime)
			assert.Equal(t, 201, tr.Npts())
		}
	})

	t.Run("picked channels anchor at the pick", func(t *testing.T) {
		picked := d.Copy()
		picked.Event = &event.Event{
			ResourceID: event.NewResourceID("event"),
			Picks: []event.Pick{{
				Time:       at.Add(300 * time.Millisecond),
				WaveformID: channelID("HHZ"),
				PhaseHint:  "P",
			}},
		}
		out := picked.ExtractStream(continuous, 2*time.Second, 500*time.Millisecond)
		require.Equal(t, 2, out.Len())

		starts := map[string]time.Time{}
		for _, tr := range out.Traces {
			starts[tr.ID.String()] = tr.StartTime
		}
		assert.Equal(t, at.Add(-200*time.Millisecond), starts["NZ.WVZ.10.HHZ"])
		assert.Equal(t, at.Add(-500*time.Millisecond), starts["NZ.WVZ.10.HHN"])
	})

	t.Run("defaults to every stream channel", func(t *testing.T) {
		bare := d.Copy()
		bare.Chans = nil
		out := bare.ExtractStream(continuous, time.Second, 0)
		assert.Equal(t, 2, out.Len())
	})

	t.Run("no data in the window", func(t *testing.T) {
		late := testDetection(t, "tpl", testStart.Add(2*time.Hour))
		out := late.ExtractStream(continuous, 2*time.Second, 500*time.Millisecond)
		assert.Equal(t, 0, out.Len())
	})

	t.Run("nil stream or zero length", func(t *testing.T) {
		assert.Equal(t, 0, d.ExtractStream(nil, time.Second, 0).Len())
		assert.Equal(t, 0, d.ExtractStream(continuous, 0, 0).Len())
	})
}

func TestDetectionString(t *testing.T) {
	d := testDetection(t, "tpl", time.Date(2024, 3, 1, 12, 0, 5, 123456000, time.UTC))
	s := d.String()
	assert.Contains(t, s, d.ID)
	assert.Contains(t, s, "2024-03-01T12:00:05.123456Z")
	assert.Contains(t, s, "2 channels")
}
