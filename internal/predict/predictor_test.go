// SPDX-License-Identifier: MIT

package predict

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadEmbeddedBaseline(t *testing.T) {
	b, err := LoadBaseline("")
	require.NoError(t, err)
	assert.NotZero(t, b.Intercept)
	assert.Contains(t, b.Coefficients, "total_pixels")
	assert.Contains(t, b.Coefficients, "drop_frames_none")
	assert.NotZero(t, b.Scaler.Scale["total_pixels"])
}

func TestBaselinePredictStandardizes(t *testing.T) {
	b := &Baseline{
		Intercept:    0.2,
		Coefficients: map[string]float64{"compression_level": 0.1, "drop_frames_n2": 0.05},
	}
	b.Scaler.Mean = map[string]float64{"compression_level": 100}
	b.Scaler.Scale = map[string]float64{"compression_level": 50}

	got := b.Predict(map[string]float64{"compression_level": 150, "drop_frames_n2": 1})
	assert.InDelta(t, 0.2+0.1*1+0.05, got, 1e-9)

	// scale 0 features are skipped entirely
	b.Scaler.Scale["compression_level"] = 0
	got = b.Predict(map[string]float64{"compression_level": 150, "drop_frames_n2": 1})
	assert.InDelta(t, 0.25, got, 1e-9)
}

func TestFeatureVector(t *testing.T) {
	w := 320
	opts := jobs.Options{
		CompressionLevel: 100,
		DropFrames:       jobs.DropN2,
		ResizeEnabled:    true,
		TargetWidth:      &w,
	}
	src := gifsicle.Probe{Width: 640, Height: 480, Frames: 10, Size: 1 << 20}

	f := featureVector(src, opts)
	assert.Equal(t, float64(640*480*10), f["total_pixels"])
	assert.Equal(t, float64(320*240*10), f["target_pixels"])
	assert.Equal(t, float64(320), f["target_width"])
	assert.Equal(t, float64(240), f["target_height"])
	assert.Equal(t, float64(256), f["number_of_colors"]) // reduce_colors off
	assert.Equal(t, 1.0, f["drop_frames_n2"])
	assert.Equal(t, 0.0, f["drop_frames_none"])
}

func TestBucketKeys(t *testing.T) {
	opts := jobs.Options{CompressionLevel: 60, DropFrames: jobs.DropN3, ReduceColors: true, NumberOfColors: 64}
	src := gifsicle.Probe{Width: 500, Height: 500, Frames: 2} // 500k target pixels

	keys := bucketKeys(src, opts)
	assert.Contains(t, keys, "size_group=s")
	assert.Contains(t, keys, "reduce_colors=1")
	assert.Contains(t, keys, "optimize_transparency=0")
	assert.Contains(t, keys, "undo_optimizations=0")
	assert.Contains(t, keys, "drop_frames=n3")
	assert.Contains(t, keys, "compression_bucket=medium")
}

func TestBucketSizeGroups(t *testing.T) {
	cases := []struct {
		pixels int
		group  string
	}{
		{100_000, "size_group=xs"},
		{500_000, "size_group=s"},
		{2_000_000, "size_group=m"},
		{8_000_000, "size_group=l"},
	}
	for _, tc := range cases {
		src := gifsicle.Probe{Width: tc.pixels, Height: 1, Frames: 1}
		keys := bucketKeys(src, jobs.Options{CompressionLevel: 1, DropFrames: jobs.DropNone})
		assert.Contains(t, keys, tc.group)
	}
}

func TestPredictFallbackWithoutBaseline(t *testing.T) {
	p := New(nil, newTestStore(t))

	// zero pixels: log1p(0.5), so 1000*expm1(log1p(0.5)) = 500ms
	got := p.Predict(context.Background(), gifsicle.Probe{}, jobs.DefaultOptions())
	assert.Equal(t, 500*time.Millisecond, got)
}

func TestPredictFloor(t *testing.T) {
	b := &Baseline{Intercept: -10, Coefficients: map[string]float64{}}
	p := New(b, newTestStore(t))

	got := p.Predict(context.Background(), gifsicle.Probe{}, jobs.DefaultOptions())
	assert.Equal(t, 100*time.Millisecond, got)
}

func TestResidualGatingAndClamp(t *testing.T) {
	st := newTestStore(t)
	p := New(nil, st)
	ctx := context.Background()

	src := gifsicle.Probe{} // all buckets resolve from options only
	opts := jobs.DefaultOptions()

	// under minBucketSamples: ignored
	for _, key := range bucketKeys(src, opts) {
		require.NoError(t, st.UpsertResidual(ctx, key, 2.0, minBucketSamples-1))
	}
	assert.Equal(t, 500*time.Millisecond, p.Predict(ctx, src, opts))

	// active buckets with a huge EMA: clamped to +0.5 log-seconds
	for _, key := range bucketKeys(src, opts) {
		require.NoError(t, st.UpsertResidual(ctx, key, 2.0, minBucketSamples))
	}
	want := time.Duration(math.Round(1000*math.Expm1(math.Log1p(0.5)+residualClamp))) * time.Millisecond
	assert.Equal(t, want, p.Predict(ctx, src, opts))
}

// Residual EMA after k updates must match the closed form
// sum(alpha*(1-alpha)^(k-i) * r_i) + (1-alpha)^(k-1) * r_1.
func TestObserveEMAClosedForm(t *testing.T) {
	st := newTestStore(t)
	p := New(nil, st)
	ctx := context.Background()

	src := gifsicle.Probe{}
	j := &jobs.Job{ID: "a", OriginalFilename: "cat.gif", Options: jobs.DefaultOptions()}
	base := math.Log1p(0.5) // fallback baseline for a zero-pixel probe

	elapsed := []time.Duration{800 * time.Millisecond, 2 * time.Second, 1500 * time.Millisecond, 3 * time.Second}
	var residuals []float64
	for _, e := range elapsed {
		p.Observe(ctx, j, src, e)
		residuals = append(residuals, math.Log1p(e.Seconds())-base)
	}

	want := residuals[0]
	for _, r := range residuals[1:] {
		want = emaAlpha*r + (1-emaAlpha)*want
	}

	closed := residuals[0] * math.Pow(1-emaAlpha, float64(len(residuals)-1))
	for i := 1; i < len(residuals); i++ {
		closed += emaAlpha * math.Pow(1-emaAlpha, float64(len(residuals)-1-i)) * residuals[i]
	}
	assert.InDelta(t, closed, want, 1e-12)

	key := bucketKeys(src, j.Options)[0]
	r, err := st.GetResidual(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, len(elapsed), r.SampleCount)
	assert.InDelta(t, want, r.EMA, 1e-9)

	n, err := st.SampleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(elapsed), n)
}
