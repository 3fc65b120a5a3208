package geo

import (
	"math"
	"math/rand"

	"github.com/golang/geo/s2"
)

// 地球半径（米）
const EarthRadiusMeters = 6371000.0

// Point 经纬度坐标
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Haversine 两点间大圆距离（米）
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Distance 点形式的 Haversine
func Distance(a, b Point) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// InitialBearing 从 a 到 b 的初始大圆方位角（0-360 度，正北为 0）
func InitialBearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Destination 从起点沿给定方位角移动 distance 米后的坐标
func Destination(origin Point, bearingDeg, distanceMeters float64) Point {
	ad := distanceMeters / EarthRadiusMeters
	br := bearingDeg * math.Pi / 180
	lat1 := origin.Lat * math.Pi / 180
	lon1 := origin.Lon * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ad) + math.Cos(lat1)*math.Sin(ad)*math.Cos(br))
	lon2 := lon1 + math.Atan2(
		math.Sin(br)*math.Sin(ad)*math.Cos(lat1),
		math.Cos(ad)-math.Sin(lat1)*math.Sin(lat2),
	)

	return Point{
		Lat: lat2 * 180 / math.Pi,
		Lon: math.Mod(lon2*180/math.Pi+540, 360) - 180,
	}
}

// Fuzz 隐私模糊：随机方位随机偏移 minMeters..maxMeters
func Fuzz(p Point, minMeters, maxMeters float64) Point {
	dist := minMeters + rand.Float64()*(maxMeters-minMeters)
	bearing := rand.Float64() * 360
	return Destination(p, bearing, dist)
}

// HeadingDelta 两方位角的最小夹角（0-180 度）
func HeadingDelta(h1, h2 float64) float64 {
	d := math.Mod(h1-h2+540, 360) - 180
	return math.Abs(d)
}

// ValidLatLon 坐标范围校验
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// CellID 位置对应的 S2 cell（本地索引用）
func CellID(p Point, level int) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon)).Parent(level)
}
