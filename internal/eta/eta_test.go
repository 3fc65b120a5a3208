package eta

import (
	"testing"
	"time"

	"HibiscusTrack/pkg/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateHeadingTowardTarget(t *testing.T) {
	e := NewEstimator(DefaultConfig())

	responder := geo.Point{Lat: 39.9000, Lon: 116.4000}
	// 受害者在正北约 300 米
	victim := geo.Destination(responder, 0, 300)

	heading := 0.0
	speed := 3.0
	est := e.Estimate(responder, &heading, &speed, victim)

	assert.InDelta(t, 300, est.DistanceMeters, 1)
	assert.InDelta(t, 0, est.BearingDegrees, 1)
	assert.Equal(t, 3.0, est.EffectiveSpeed)
	assert.Equal(t, ConfidenceHigh, est.Confidence)
	assert.True(t, est.HeadingAligned)
	// 300m / 3 m/s ≈ 100s
	assert.InDelta(t, 100, est.Eta.Seconds(), 2)
}

func TestEstimateHeadingAway(t *testing.T) {
	e := NewEstimator(DefaultConfig())

	responder := geo.Point{Lat: 39.9000, Lon: 116.4000}
	victim := geo.Destination(responder, 0, 300)

	// 背向目标：实时速度作废，回退假定速度
	heading := 180.0
	speed := 3.0
	est := e.Estimate(responder, &heading, &speed, victim)

	assert.Equal(t, 2.78, est.EffectiveSpeed)
	assert.Equal(t, ConfidenceLow, est.Confidence)
	assert.InDelta(t, 300/2.78, est.Eta.Seconds(), 2)
}

func TestEstimateDiagonalHeading(t *testing.T) {
	e := NewEstimator(DefaultConfig())

	responder := geo.Point{Lat: 39.9000, Lon: 116.4000}
	victim := geo.Destination(responder, 0, 300)

	// 偏 60°：速度按 cos(60°) 折半
	heading := 60.0
	speed := 4.0
	est := e.Estimate(responder, &heading, &speed, victim)

	assert.InDelta(t, 2.0, est.EffectiveSpeed, 0.05)
	assert.Equal(t, ConfidenceMedium, est.Confidence)
}

func TestEstimateWithoutTelemetry(t *testing.T) {
	e := NewEstimator(DefaultConfig())

	responder := geo.Point{Lat: 39.9000, Lon: 116.4000}
	victim := geo.Destination(responder, 90, 278)

	est := e.Estimate(responder, nil, nil, victim)
	assert.Equal(t, 2.78, est.EffectiveSpeed)
	assert.Equal(t, ConfidenceMedium, est.Confidence)
	assert.InDelta(t, 100, est.Eta.Seconds(), 2)
	assert.False(t, est.HeadingAligned)
}

func TestHasArrived(t *testing.T) {
	e := NewEstimator(DefaultConfig())
	at := geo.Point{Lat: 39.9, Lon: 116.4}

	assert.True(t, e.HasArrived(at, at))
	assert.True(t, e.HasArrived(at, geo.Destination(at, 45, 8)))
	assert.False(t, e.HasArrived(at, geo.Destination(at, 45, 50)))
}

func TestEtaIsDuration(t *testing.T) {
	e := NewEstimator(DefaultConfig())
	responder := geo.Point{Lat: 39.9, Lon: 116.4}
	victim := geo.Destination(responder, 0, 278)

	est := e.Estimate(responder, nil, nil, victim)
	require.Greater(t, est.Eta, 90*time.Second)
	require.Less(t, est.Eta, 110*time.Second)
}
