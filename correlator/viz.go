package correlator

import (
	"math"
	"sort"
	"time"

	"github.com/citypulse/core/types"
)

// HeatmapCell is the strongest correlation found between two domains,
// suitable for a domain-by-domain grid rendering.
type HeatmapCell struct {
	DomainA     types.DomainID `json:"domain_a"`
	DomainB     types.DomainID `json:"domain_b"`
	VariableA   string         `json:"variable_a"`
	VariableB   string         `json:"variable_b"`
	Coefficient float64        `json:"coefficient"`
}

// NetworkNode is a domain vertex in the relationship graph.
type NetworkNode struct {
	ID     types.DomainID `json:"id"`
	Degree int            `json:"degree"`
}

// NetworkLink is a qualifying edge between two domains. Weight is the
// absolute coefficient of the strongest variable pair.
type NetworkLink struct {
	Source types.DomainID `json:"source"`
	Target types.DomainID `json:"target"`
	Weight float64        `json:"weight"`
	Sign   int            `json:"sign"` // 1 positive, -1 negative
}

// VisualizationData bundles the render-ready shapes derived from the
// current matrix: heatmap grid, relationship network, and the insight
// and anomaly lists.
type VisualizationData struct {
	Heatmap    []HeatmapCell `json:"heatmap"`
	Nodes      []NetworkNode `json:"nodes"`
	Links      []NetworkLink `json:"links"`
	Insights   []Insight     `json:"insights"`
	Anomalies  []Anomaly     `json:"anomalies"`
	ComputedAt time.Time     `json:"computed_at"`
	Window     time.Duration `json:"window_ns"`
}

// VisualizationData derives the render-ready view from the latest
// complete matrix. Heatmap and network reduce each domain pair to its
// strongest variable pair; links appear only at or above the moderate
// cutoff.
func (c *Correlator) VisualizationData() VisualizationData {
	matrix := c.Current()

	type domainPair struct{ a, b types.DomainID }
	best := make(map[domainPair]Entry)
	for _, e := range matrix.Entries {
		key := domainPair{e.DomainA, e.DomainB}
		if cur, ok := best[key]; !ok || math.Abs(e.Coefficient) > math.Abs(cur.Coefficient) {
			best[key] = e
		}
	}

	viz := VisualizationData{
		Heatmap:    make([]HeatmapCell, 0, len(best)),
		Insights:   c.Insights(),
		Anomalies:  c.Anomalies(),
		ComputedAt: matrix.ComputedAt,
		Window:     matrix.Window,
	}

	degree := make(map[types.DomainID]int)
	for _, e := range best {
		viz.Heatmap = append(viz.Heatmap, HeatmapCell{
			DomainA:     e.DomainA,
			DomainB:     e.DomainB,
			VariableA:   e.VariableA,
			VariableB:   e.VariableB,
			Coefficient: e.Coefficient,
		})

		if math.Abs(e.Coefficient) >= c.moderateCutoff {
			sign := 1
			if e.Coefficient < 0 {
				sign = -1
			}
			viz.Links = append(viz.Links, NetworkLink{
				Source: e.DomainA,
				Target: e.DomainB,
				Weight: math.Abs(e.Coefficient),
				Sign:   sign,
			})
			degree[e.DomainA]++
			degree[e.DomainB]++
		}
	}

	for _, d := range c.domains {
		viz.Nodes = append(viz.Nodes, NetworkNode{ID: d, Degree: degree[d]})
	}

	sort.Slice(viz.Heatmap, func(i, j int) bool {
		if viz.Heatmap[i].DomainA != viz.Heatmap[j].DomainA {
			return viz.Heatmap[i].DomainA < viz.Heatmap[j].DomainA
		}
		return viz.Heatmap[i].DomainB < viz.Heatmap[j].DomainB
	})
	sort.Slice(viz.Links, func(i, j int) bool {
		if viz.Links[i].Source != viz.Links[j].Source {
			return viz.Links[i].Source < viz.Links[j].Source
		}
		return viz.Links[i].Target < viz.Links[j].Target
	})

	return viz
}
