package attack

import (
	"sort"

	"github.com/ilminate/apex-attack/internal/mitre"
)

// UnknownTechniqueName labels ids with no catalog entry.
const UnknownTechniqueName = "Unknown Technique"

// RankedTechnique is one entry of a top-N list.
type RankedTechnique struct {
	Rank         int      `json:"rank"`
	TechniqueID  string   `json:"techniqueID"`
	Name         string   `json:"name"`
	Score        int      `json:"score"`
	Tactics      []string `json:"tactics"`
	DrillDownURL string   `json:"drillDownURL"`
}

// TopTechniques ranks layer scores descending, ties broken by id, and joins
// catalog names. Unknown ids are kept. n <= 0 returns every entry.
func TopTechniques(layer Layer, catalog *mitre.Catalog, n int) []RankedTechnique {
	scores := make([]TechniqueScore, len(layer.Techniques))
	copy(scores, layer.Techniques)
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].TechniqueID < scores[j].TechniqueID
	})

	if n > 0 && len(scores) > n {
		scores = scores[:n]
	}

	out := make([]RankedTechnique, 0, len(scores))
	for i, s := range scores {
		entry := RankedTechnique{
			Rank:         i + 1,
			TechniqueID:  s.TechniqueID,
			Name:         UnknownTechniqueName,
			Score:        s.Score,
			Tactics:      []string{},
			DrillDownURL: DrillDownURL(s.TechniqueID),
		}
		if catalog != nil {
			if tech, ok := catalog.Lookup(s.TechniqueID); ok {
				entry.Name = tech.Name
				entry.Tactics = tech.Tactics
			}
		}
		out = append(out, entry)
	}
	return out
}
