package proximity

import (
	"HibiscusTrack/pkg/geo"
)

// ClusterPoint 参与聚类的带标识位置
type ClusterPoint struct {
	UserID   string    `json:"user_id"`
	Position geo.Point `json:"position"`
}

// Cluster 临时分组，不落库
type Cluster struct {
	Center       geo.Point      `json:"center"`
	RadiusMeters float64        `json:"radius_meters"`
	Members      []ClusterPoint `json:"members"`
}

// ClusterPoints 单遍 DBSCAN 式分组：对每个未访问的点收拢半径内的所有点成一簇，
// 没有邻居的点成为单点簇。簇心是成员均值，簇半径是成员到簇心的最大距离。
func (e *Engine) ClusterPoints(points []ClusterPoint) []Cluster {
	return clusterWithin(points, e.config.ClusterRadiusMeters)
}

func clusterWithin(points []ClusterPoint, radiusMeters float64) []Cluster {
	visited := make([]bool, len(points))
	clusters := make([]Cluster, 0)

	for i := range points {
		if visited[i] {
			continue
		}
		visited[i] = true
		members := []ClusterPoint{points[i]}
		for j := i + 1; j < len(points); j++ {
			if visited[j] {
				continue
			}
			if geo.Distance(points[i].Position, points[j].Position) <= radiusMeters {
				visited[j] = true
				members = append(members, points[j])
			}
		}
		clusters = append(clusters, buildCluster(members))
	}
	return clusters
}

// MergeClusters 两两扫描合并圆圈重叠的簇（圆心距 ≤ 半径和 + 阈值），
// 合并后重算簇心和半径。O(n²)，预期簇数量小时可以接受。
func (e *Engine) MergeClusters(clusters []Cluster) []Cluster {
	threshold := e.config.ClusterRadiusMeters
	for {
		merged := false
		for i := 0; i < len(clusters) && !merged; i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := geo.Distance(clusters[i].Center, clusters[j].Center)
				if d <= clusters[i].RadiusMeters+clusters[j].RadiusMeters+threshold {
					members := append(clusters[i].Members, clusters[j].Members...)
					clusters[i] = buildCluster(members)
					clusters = append(clusters[:j], clusters[j+1:]...)
					merged = true
					break
				}
			}
		}
		if !merged {
			return clusters
		}
	}
}

func buildCluster(members []ClusterPoint) Cluster {
	var sumLat, sumLon float64
	for _, m := range members {
		sumLat += m.Position.Lat
		sumLon += m.Position.Lon
	}
	center := geo.Point{
		Lat: sumLat / float64(len(members)),
		Lon: sumLon / float64(len(members)),
	}

	var radius float64
	for _, m := range members {
		if d := geo.Distance(center, m.Position); d > radius {
			radius = d
		}
	}
	return Cluster{Center: center, RadiusMeters: radius, Members: members}
}
