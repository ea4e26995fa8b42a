package attack

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ilminate/apex-attack/internal/events"
)

// Source records where a layer's scores came from.
type Source string

// Layer sources.
const (
	SourceMock     Source = "mock"
	SourceDynamoDB Source = "dynamodb"
	SourceEmpty    Source = "dynamodb-empty"
	SourceFallback Source = "error-fallback"
)

// Domain is the ATT&CK domain every layer targets.
const Domain = "enterprise-attack"

// DefaultGradient runs from a pale to a saturated blue.
var DefaultGradient = []string{"#e4f1ff", "#005bbb"}

// Layer is the presentation document served to dashboards.
type Layer struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Domain      string           `json:"domain"`
	Techniques  []TechniqueScore `json:"techniques"`
	Gradient    Gradient         `json:"gradient"`
	LegendItems []LegendItem     `json:"legendItems"`
	Source      Source           `json:"source"`
}

// Gradient is the colour ramp applied to scores.
type Gradient struct {
	Colors []string `json:"colors"`
}

// LegendItem is one labelled threshold.
type LegendItem struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

// MaxScore returns the highest score in the layer, zero when empty.
func (l Layer) MaxScore() int {
	highest := 0
	for _, t := range l.Techniques {
		if t.Score > highest {
			highest = t.Score
		}
	}
	return highest
}

// fallbackScores is shown for demo tenants and when the store fails.
var fallbackScores = []TechniqueScore{
	{TechniqueID: "T1566", Score: 121},
	{TechniqueID: "T1059.001", Score: 34},
	{TechniqueID: "T1053", Score: 9},
	{TechniqueID: "T1547.001", Score: 12},
	{TechniqueID: "T1218", Score: 27},
	{TechniqueID: "T1204", Score: 18},
	{TechniqueID: "T1003", Score: 6},
	{TechniqueID: "T1027", Score: 15},
	{TechniqueID: "T1036", Score: 22},
	{TechniqueID: "T1566.002", Score: 89},
}

// FallbackTechniques returns a copy of the fixed demonstration set.
func FallbackTechniques() []TechniqueScore {
	out := make([]TechniqueScore, len(fallbackScores))
	copy(out, fallbackScores)
	return out
}

// Legend returns the thresholds for an observed maximum. Up to 100 the
// buckets are fixed; above that the top bucket is max rounded up to a
// multiple of ten.
func Legend(maxScore int) []LegendItem {
	ceiling := 100
	if maxScore > 100 {
		ceiling = (maxScore + 9) / 10 * 10
	}
	return []LegendItem{
		{Label: "Few", Value: 1},
		{Label: "Some", Value: ceiling / 3},
		{Label: "Many", Value: ceiling},
	}
}

// LayerBuilder turns aggregation results into layer documents.
type LayerBuilder struct {
	title  string
	colors []string
}

// NewLayerBuilder creates a builder. Empty arguments use the defaults.
func NewLayerBuilder(title string, colors []string) *LayerBuilder {
	if title == "" {
		title = "Techniques Observed"
	}
	if len(colors) == 0 {
		colors = DefaultGradient
	}
	c := make([]string, len(colors))
	copy(c, colors)
	return &LayerBuilder{title: title, colors: c}
}

// Mock returns the demonstration layer for a tenant.
func (b *LayerBuilder) Mock(req Request) Layer {
	return b.fixed(req, SourceMock, fmt.Sprintf("Demonstration data for %s", tenantLabel(req.Tenant)))
}

// Build classifies an aggregation outcome. A missing table is an empty
// layer, any other error degrades to the fixed set with the error text in
// the description, and a successful scan is ranked by score.
func (b *LayerBuilder) Build(req Request, counts *Counts, err error) Layer {
	switch {
	case errors.Is(err, events.ErrTableNotFound):
		return b.empty(req, "No events table found; no data yet")
	case err != nil:
		return b.fixed(req, SourceFallback, fmt.Sprintf("Showing fallback data: %v", err))
	case counts == nil || counts.Len() == 0:
		return b.empty(req, fmt.Sprintf("No techniques found in the last %d days", req.Days))
	}

	scores := counts.Scores()
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})

	layer := b.base(req, SourceDynamoDB,
		fmt.Sprintf("Auto-generated from %d days of events (%d scanned)", req.Days, counts.Scanned))
	layer.Techniques = scores
	layer.LegendItems = Legend(scores[0].Score)
	return layer
}

func (b *LayerBuilder) fixed(req Request, source Source, description string) Layer {
	layer := b.base(req, source, description)
	layer.Techniques = FallbackTechniques()
	layer.LegendItems = Legend(layer.MaxScore())
	return layer
}

func (b *LayerBuilder) empty(req Request, description string) Layer {
	layer := b.base(req, SourceEmpty, description)
	layer.LegendItems = Legend(0)
	return layer
}

func (b *LayerBuilder) base(req Request, source Source, description string) Layer {
	colors := make([]string, len(b.colors))
	copy(colors, b.colors)
	return Layer{
		Name:        fmt.Sprintf("%s (%dd) - %s", b.title, req.Days, tenantLabel(req.Tenant)),
		Description: description,
		Domain:      Domain,
		Techniques:  []TechniqueScore{},
		Gradient:    Gradient{Colors: colors},
		Source:      source,
	}
}

func tenantLabel(tenant string) string {
	if events.IsAllTenants(tenant) {
		return events.AllTenants
	}
	return tenant
}
