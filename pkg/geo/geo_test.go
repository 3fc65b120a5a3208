package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversine(t *testing.T) {
	// 赤道上经度差 1 度约 111.19 公里
	d := Haversine(0, 0, 0, 1)
	assert.InDelta(t, 111195, d, 200)

	// 同一点距离为 0
	assert.Equal(t, 0.0, Haversine(39.9, 116.4, 39.9, 116.4))
}

func TestInitialBearing(t *testing.T) {
	origin := Point{Lat: 0, Lon: 0}

	assert.InDelta(t, 0, InitialBearing(origin, Point{Lat: 1, Lon: 0}), 0.1)
	assert.InDelta(t, 90, InitialBearing(origin, Point{Lat: 0, Lon: 1}), 0.1)
	assert.InDelta(t, 180, InitialBearing(origin, Point{Lat: -1, Lon: 0}), 0.1)
	assert.InDelta(t, 270, InitialBearing(origin, Point{Lat: 0, Lon: -1}), 0.1)
}

func TestDestination(t *testing.T) {
	origin := Point{Lat: 39.9042, Lon: 116.4074}

	// 移动 500 米后与起点的距离应接近 500 米
	dest := Destination(origin, 45, 500)
	assert.InDelta(t, 500, Distance(origin, dest), 1)
}

func TestFuzz(t *testing.T) {
	origin := Point{Lat: 31.2304, Lon: 121.4737}

	for i := 0; i < 50; i++ {
		fuzzed := Fuzz(origin, 100, 300)
		d := Distance(origin, fuzzed)
		assert.GreaterOrEqual(t, d, 99.0)
		assert.LessOrEqual(t, d, 301.0)
	}
}

func TestHeadingDelta(t *testing.T) {
	assert.InDelta(t, 0, HeadingDelta(90, 90), 1e-9)
	assert.InDelta(t, 20, HeadingDelta(10, 350), 1e-9)
	assert.InDelta(t, 180, HeadingDelta(0, 180), 1e-9)
	assert.InDelta(t, 90, HeadingDelta(45, 315), 1e-9)
}

func TestValidLatLon(t *testing.T) {
	assert.True(t, ValidLatLon(0, 0))
	assert.True(t, ValidLatLon(-90, 180))
	assert.False(t, ValidLatLon(91, 0))
	assert.False(t, ValidLatLon(0, 181))
	assert.False(t, ValidLatLon(-90.5, 0))
}

func TestPolylineRoundTrip(t *testing.T) {
	points := []Point{
		{Lat: 38.5, Lon: -120.2},
		{Lat: 40.7, Lon: -120.95},
		{Lat: 43.252, Lon: -126.453},
		{Lat: -33.8674, Lon: 151.2070},
	}

	encoded := EncodePolyline(points)
	require.NotEmpty(t, encoded)

	decoded := DecodePolyline(encoded)
	require.Len(t, decoded, len(points))

	for i := range points {
		assert.InDelta(t, points[i].Lat, decoded[i].Lat, 1e-5)
		assert.InDelta(t, points[i].Lon, decoded[i].Lon, 1e-5)
	}
}

func TestPolylineKnownVector(t *testing.T) {
	// 通用折线格式的参考样例
	points := []Point{
		{Lat: 38.5, Lon: -120.2},
		{Lat: 40.7, Lon: -120.95},
		{Lat: 43.252, Lon: -126.453},
	}
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC_mqNvxq`@", EncodePolyline(points))
}

func TestPolylineEmpty(t *testing.T) {
	assert.Equal(t, "", EncodePolyline(nil))
	assert.Empty(t, DecodePolyline(""))
}
