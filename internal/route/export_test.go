package route

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportSessionWritesGeoJSON(t *testing.T) {
	r := newTestReconstructor(t)
	store := storage.NewMemoryStore()
	exporter := NewExporter(r, store)
	ctx := context.Background()

	samples := northwardSamples(5, "sess-1", "u1", time.Now())
	require.NoError(t, r.db.Create(&samples).Error)

	url, err := exporter.ExportSession(ctx, "sess-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "memory://routes/sessions/sess-1/u1.geojson", url)

	rc, size, err := store.Read("routes/sessions/sess-1/u1.geojson")
	require.NoError(t, err)
	defer rc.Close()
	assert.Greater(t, size, int64(0))

	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string       `json:"type"`
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 1)
	assert.Equal(t, "LineString", doc.Features[0].Geometry.Type)
	assert.NotEmpty(t, doc.Features[0].Geometry.Coordinates)
	// 坐标序为 [lon, lat]
	assert.InDelta(t, 116.40, doc.Features[0].Geometry.Coordinates[0][0], 0.01)
	assert.Greater(t, doc.Features[0].Properties["distance_meters"].(float64), 300.0)
}

func TestExportSoloMissingRun(t *testing.T) {
	r := newTestReconstructor(t)
	exporter := NewExporter(r, storage.NewMemoryStore())

	_, err := exporter.ExportSolo(context.Background(), "run-404")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}
