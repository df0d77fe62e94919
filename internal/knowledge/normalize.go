package knowledge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// refPattern matches numeric document references the model may emit when
// citing knowledge entries, e.g. "[doc 2]" or "[source 1]".
var refPattern = regexp.MustCompile(`\[(?:doc|source)\s*(\d+)\]`)

// RefNormalizer rewrites model-emitted document references into readable
// "title (source)" citations using the knowledge entries the reply was
// grounded on. It is the default reply normalizer for the pipeline.
type RefNormalizer struct{}

// Normalize replaces numeric document references with their entry's title and
// source. References outside the entry range are left untouched. With no
// entries the reply is returned as-is.
func (RefNormalizer) Normalize(reply string, entries []models.KnowledgeEntry) string {
	if len(entries) == 0 || !strings.Contains(reply, "[") {
		return reply
	}
	return refPattern.ReplaceAllStringFunc(reply, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		idx, err := strconv.Atoi(groups[1])
		if err != nil || idx < 1 || idx > len(entries) {
			return match
		}
		entry := entries[idx-1]
		if entry.Source == "" || entry.Source == "unknown" {
			return entry.Title
		}
		return fmt.Sprintf("%s (%s)", entry.Title, entry.Source)
	})
}
