package cluster

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kozaktomas/objectcamp/internal/database"
)

// NormalizeName folds a name for comparison: no diacritics, lowercase,
// dashes and underscores as spaces, collapsed whitespace ("Pán-Medvěd" -> "pan medved").
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("-", " ", "_", " ").Replace(folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Label returns the entity's custom name, or a short generated label.
func Label(e *database.Entity) string {
	short := e.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return e.DisplayName("entity-" + short)
}

// FilterByName returns the entities whose custom name contains query after normalization.
// An empty query returns all entities.
func FilterByName(entities []database.Entity, query string) []database.Entity {
	q := NormalizeName(query)
	if q == "" {
		return entities
	}
	var out []database.Entity
	for _, e := range entities {
		if e.CustomName == nil {
			continue
		}
		if strings.Contains(NormalizeName(*e.CustomName), q) {
			out = append(out, e)
		}
	}
	return out
}
