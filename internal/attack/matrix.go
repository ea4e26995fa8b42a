package attack

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/observability"
)

// InactiveOpacity is applied to cells outside a technique's tactics.
const InactiveOpacity = 0.2

// DrillDownURL returns the event view filtered to one technique.
func DrillDownURL(techniqueID string) string {
	return "/events?technique=" + url.QueryEscape(techniqueID)
}

// Alpha maps a score to a cell intensity in [0.15, 1].
func Alpha(score, maxScore int) float64 {
	if maxScore <= 0 {
		return 0
	}
	x := float64(score) / float64(maxScore)
	if x > 1 {
		x = 1
	}
	return 0.15 + 0.85*x
}

// Matrix is a technique-by-tactic grid for one layer.
type Matrix struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Source      Source         `json:"source"`
	Tactics     []mitre.Tactic `json:"tactics"`
	Rows        []Row          `json:"rows"`
	Gradient    Gradient       `json:"gradient"`

	// MaxScore covers every layer score, including ids with no row.
	MaxScore int `json:"maxScore"`
	// UnmappedCount is the number of layer ids missing from the catalog.
	UnmappedCount int      `json:"unmappedCount"`
	Unmapped      []string `json:"unmapped,omitempty"`
}

// Row is one catalog technique across every tactic column.
type Row struct {
	TechniqueID  string `json:"techniqueID"`
	Name         string `json:"name"`
	Score        int    `json:"score"`
	Clickable    bool   `json:"clickable"`
	DrillDownURL string `json:"drillDownURL,omitempty"`
	Cells        []Cell `json:"cells"`
}

// Cell is one (technique, tactic) intersection.
type Cell struct {
	Tactic string  `json:"tactic"`
	Active bool    `json:"active"`
	Filled bool    `json:"filled"`
	Alpha  float64 `json:"alpha"`
	Title  string  `json:"title,omitempty"`
}

// Label returns the legend caption shown under the grid.
func (m Matrix) Label() string {
	return fmt.Sprintf("Max technique count: %d", m.MaxScore)
}

// Row returns the row for a technique id.
func (m Matrix) Row(id string) (Row, bool) {
	for _, r := range m.Rows {
		if r.TechniqueID == id {
			return r, true
		}
	}
	return Row{}, false
}

// Renderer lays layers out against the catalog.
type Renderer struct {
	catalog *mitre.Catalog
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRenderer creates a renderer over catalog.
func NewRenderer(catalog *mitre.Catalog, metrics *observability.Metrics, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{catalog: catalog, metrics: metrics, logger: logger}
}

// Render builds the grid. Rows follow catalog order; layer scores with no
// catalog entry get no row and are reported through UnmappedCount.
func (r *Renderer) Render(layer Layer) Matrix {
	tactics := mitre.TacticOrder()
	scores := make(map[string]int, len(layer.Techniques))
	for _, t := range layer.Techniques {
		scores[t.TechniqueID] += t.Score
	}
	maxScore := 1
	for _, score := range scores {
		if score > maxScore {
			maxScore = score
		}
	}

	m := Matrix{
		Name:        layer.Name,
		Description: layer.Description,
		Source:      layer.Source,
		Tactics:     tactics,
		Gradient:    layer.Gradient,
		MaxScore:    maxScore,
	}

	techniques := r.catalog.Techniques()
	m.Rows = make([]Row, 0, len(techniques))
	for _, tech := range techniques {
		score := scores[tech.ID]
		row := Row{
			TechniqueID: tech.ID,
			Name:        tech.Name,
			Score:       score,
			Clickable:   score > 0,
			Cells:       make([]Cell, 0, len(tactics)),
		}
		if row.Clickable {
			row.DrillDownURL = DrillDownURL(tech.ID)
		}

		for _, tac := range tactics {
			cell := Cell{Tactic: tac.ShortName, Alpha: InactiveOpacity}
			if tech.HasTactic(tac.ShortName) {
				cell.Active = true
				cell.Filled = score > 0
				cell.Alpha = Alpha(score, maxScore)
				cell.Title = fmt.Sprintf("%s score %d", tech.ID, score)
			}
			row.Cells = append(row.Cells, cell)
		}
		m.Rows = append(m.Rows, row)
	}

	for _, t := range layer.Techniques {
		if _, ok := r.catalog.Lookup(t.TechniqueID); !ok {
			m.Unmapped = append(m.Unmapped, t.TechniqueID)
		}
	}
	m.UnmappedCount = len(m.Unmapped)
	if m.UnmappedCount > 0 {
		r.logger.Debug("Layer techniques missing from catalog",
			zap.Strings("technique_ids", m.Unmapped),
			zap.String("layer", layer.Name),
		)
	}

	r.metrics.ObserveRender(m.UnmappedCount)
	return m
}
