package airquality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 9, 27, 0, 0, time.UTC)

// stubPredictor echoes a feature as the prediction and can be told to fail.
type stubPredictor struct {
	mu    sync.Mutex
	calls int
	echo  string
	fail  func(p Pollutant, f Features) bool
}

func (s *stubPredictor) Predict(_ context.Context, p Pollutant, f Features) (Prediction, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.fail != nil && s.fail(p, f) {
		return Prediction{}, &PredictionError{Pollutant: p, Err: errors.New("boom")}
	}
	v := 1.0
	if s.echo != "" {
		v = f[s.echo]
	}
	return Prediction{Pollutant: p, Value: v, Confidence: 0.9, ModelVersion: "v1.0"}, nil
}

func (s *stubPredictor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubOutlook struct {
	states []WeatherState
	err    error
}

func (o stubOutlook) Outlook(context.Context, Location, time.Time, int) ([]WeatherState, error) {
	return o.states, o.err
}

func newTestBuilder(p Predictor, o WeatherOutlook) *Builder {
	b := NewBuilder(p, o, time.Second)
	b.now = func() time.Time { return fixedNow }
	return b
}

func TestGenerateDropsFailedHour(t *testing.T) {
	badHour := float64(fixedNow.Truncate(time.Hour).Add(3 * time.Hour).Hour())
	pred := &stubPredictor{fail: func(_ Pollutant, f Features) bool {
		return f["hour"] == badHour
	}}

	series, err := newTestBuilder(pred, nil).Generate(context.Background(), testLocation, 24)
	require.NoError(t, err)
	require.Len(t, series.Points, 23)
	assert.Equal(t, 24, series.Horizon)

	start := fixedNow.Truncate(time.Hour)
	for i, pt := range series.Points {
		assert.NotEqual(t, start.Add(3*time.Hour), pt.Time)
		assert.Len(t, pt.Predicted, len(Pollutants))
		if i > 0 {
			assert.True(t, pt.Time.After(series.Points[i-1].Time))
		}
	}
	assert.Equal(t, start, series.Points[0].Time)
	assert.Equal(t, start.Add(4*time.Hour), series.Points[3].Time)
}

func TestGenerateAllHoursFail(t *testing.T) {
	pred := &stubPredictor{fail: func(p Pollutant, _ Features) bool { return p == PollutantHCHO }}

	series, err := newTestBuilder(pred, nil).Generate(context.Background(), testLocation, 6)
	require.NoError(t, err)
	assert.Empty(t, series.Points)
	assert.Equal(t, testLocation.Name, series.LocationName)
}

func TestGenerateHorizon(t *testing.T) {
	b := newTestBuilder(&stubPredictor{}, nil)

	for _, h := range []int{0, -1} {
		_, err := b.Generate(context.Background(), testLocation, h)
		assert.ErrorIs(t, err, ErrInvalidHorizon)
	}

	series, err := b.Generate(context.Background(), testLocation, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxHorizonHours, series.Horizon)
	assert.Len(t, series.Points, MaxHorizonHours)

	series, err = b.Generate(context.Background(), testLocation, 1)
	require.NoError(t, err)
	assert.Len(t, series.Points, 1)
}

func TestGenerateUsesOutlook(t *testing.T) {
	states := make([]WeatherState, 5)
	for i := range states {
		states[i] = WeatherState{TemperatureC: 100 + float64(i)}
	}
	pred := &stubPredictor{echo: "T2M"}

	series, err := newTestBuilder(pred, stubOutlook{states: states}).Generate(context.Background(), testLocation, 5)
	require.NoError(t, err)
	require.Len(t, series.Points, 5)
	for i, pt := range series.Points {
		assert.InDelta(t, 100+float64(i), pt.Predicted[PollutantNO2], 1e-9)
	}
}

func TestGenerateFallsBackToDrift(t *testing.T) {
	tests := []struct {
		name    string
		outlook stubOutlook
	}{
		{"outlook error", stubOutlook{err: errors.New("upstream down")}},
		{"outlook too short", stubOutlook{states: make([]WeatherState, 2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := &stubPredictor{echo: "T2M"}
			series, err := newTestBuilder(pred, tt.outlook).Generate(context.Background(), testLocation, 4)
			require.NoError(t, err)
			require.Len(t, series.Points, 4)
			for i, pt := range series.Points {
				assert.InDelta(t, DefaultTemperatureC+0.1*float64(i), pt.Predicted[PollutantNO2], 1e-9)
			}
		})
	}
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestBuilder(&stubPredictor{}, nil).Generate(ctx, testLocation, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateConfidenceIsMean(t *testing.T) {
	series, err := newTestBuilder(&stubPredictor{}, nil).Generate(context.Background(), testLocation, 2)
	require.NoError(t, err)
	for _, pt := range series.Points {
		assert.InDelta(t, 0.9, pt.Confidence, 1e-9)
	}
}

func TestDriftOutlook(t *testing.T) {
	d := NewDriftOutlook()

	w := d.At(10)
	assert.InDelta(t, DefaultTemperatureC+1, w.TemperatureC, 1e-9)
	assert.InDelta(t, DefaultHumidityPct+5, w.HumidityPct, 1e-9)
	assert.InDelta(t, DefaultWindSpeedMS+2, w.WindSpeedMS, 1e-9)
	assert.Equal(t, DefaultPressurePa, w.PressurePa)
	assert.Equal(t, DefaultWindDirDeg, w.WindDirDeg)

	states, err := d.Outlook(context.Background(), testLocation, fixedNow, 3)
	require.NoError(t, err)
	assert.Len(t, states, 3)
	assert.Equal(t, d.At(0), states[0])
}
