package geo

import "strings"

// EncodePolyline 按通用折线格式编码轨迹点：坐标放大 1e5 取整，
// 逐点做差分，再做变长 base64（偏移 63）编码。与常见地图渲染端解码器互通。
func EncodePolyline(points []Point) string {
	var sb strings.Builder
	var prevLat, prevLon int64

	for _, p := range points {
		lat := int64(round(p.Lat * 1e5))
		lon := int64(round(p.Lon * 1e5))

		encodeSigned(&sb, lat-prevLat)
		encodeSigned(&sb, lon-prevLon)

		prevLat, prevLon = lat, lon
	}
	return sb.String()
}

// DecodePolyline EncodePolyline 的逆运算
func DecodePolyline(encoded string) []Point {
	var points []Point
	var lat, lon int64
	idx := 0

	for idx < len(encoded) {
		dLat, n := decodeSigned(encoded[idx:])
		if n == 0 {
			break
		}
		idx += n
		lat += dLat

		dLon, n := decodeSigned(encoded[idx:])
		if n == 0 {
			break
		}
		idx += n
		lon += dLon

		points = append(points, Point{Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5})
	}
	return points
}

func encodeSigned(sb *strings.Builder, v int64) {
	// 左移一位，负数取反，使符号位落在最低位
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		sb.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	sb.WriteByte(byte(u + 63))
}

func decodeSigned(s string) (int64, int) {
	var result int64
	var shift uint
	n := 0

	for n < len(s) {
		b := int64(s[n]) - 63
		n++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if n == 0 {
		return 0, 0
	}
	if result&1 != 0 {
		return ^(result >> 1), n
	}
	return result >> 1, n
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int64(f - 0.5))
	}
	return float64(int64(f + 0.5))
}
