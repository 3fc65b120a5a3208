package route

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"HibiscusTrack/pkg/storage"
)

const geoJSONContentType = "application/geo+json"

// Exporter 把重建后的轨迹导出为 GeoJSON 并写入对象存储
type Exporter struct {
	reconstructor *Reconstructor
	store         storage.Store
}

// NewExporter 创建轨迹导出器
func NewExporter(reconstructor *Reconstructor, store storage.Store) *Exporter {
	return &Exporter{reconstructor: reconstructor, store: store}
}

// ExportSession 导出会话内某个跑者的轨迹，返回可访问的 URL
func (e *Exporter) ExportSession(ctx context.Context, sessionID, userID string) (string, error) {
	r, err := e.reconstructor.SessionRoute(ctx, sessionID, userID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("routes/sessions/%s/%s.geojson", sessionID, userID)
	return e.write(key, r)
}

// ExportSolo 导出单人跑的轨迹
func (e *Exporter) ExportSolo(ctx context.Context, soloRunID string) (string, error) {
	r, err := e.reconstructor.SoloRoute(ctx, soloRunID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("routes/solo/%s.geojson", soloRunID)
	return e.write(key, r)
}

func (e *Exporter) write(key string, r *Route) (string, error) {
	data, err := encodeGeoJSON(r)
	if err != nil {
		return "", err
	}
	if err := e.store.Write(key, bytes.NewReader(data), geoJSONContentType); err != nil {
		return "", err
	}
	return e.store.PublicURL(key), nil
}

// encodeGeoJSON LineString + 汇总属性。坐标序为 [lon, lat]。
func encodeGeoJSON(r *Route) ([]byte, error) {
	coordinates := make([][2]float64, 0, len(r.Points))
	for _, p := range r.Points {
		coordinates = append(coordinates, [2]float64{p.Lon, p.Lat})
	}

	feature := map[string]interface{}{
		"type": "Feature",
		"geometry": map[string]interface{}{
			"type":        "LineString",
			"coordinates": coordinates,
		},
		"properties": map[string]interface{}{
			"distance_meters":     r.DistanceMeters,
			"duration_seconds":    r.Duration.Seconds(),
			"avg_pace_min_per_km": r.AvgPaceMinPerKm,
			"sample_count":        r.SampleCount,
		},
	}
	return json.Marshal(map[string]interface{}{
		"type":     "FeatureCollection",
		"features": []interface{}{feature},
	})
}
