package phases

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/jonathan/collagent/internal/types"
)

// stringList decodes either a JSON array of strings or a single delimited string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*l = cleanList(items)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = cleanList(strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '\n' }))
	return nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func rating(score float64) int {
	return types.ClampRating(int(math.Round(score)))
}

type institutionsDoc struct {
	Institutions []struct {
		Name       string     `json:"name"`
		Department string     `json:"department"`
		Country    string     `json:"country"`
		City       string     `json:"city"`
		Relevance  float64    `json:"relevance_score"`
		Reason     string     `json:"reason"`
		KeyGroups  stringList `json:"key_groups"`
	} `json:"institutions"`
}

type collaboratorsDoc struct {
	Collaborators []struct {
		Name         string     `json:"name"`
		Position     string     `json:"position"`
		Email        string     `json:"email"`
		Focus        string     `json:"research_focus"`
		Alignment    float64    `json:"alignment_score"`
		Reasons      string     `json:"alignment_reasons"`
		Angle        string     `json:"collaboration_angle"`
		Publications stringList `json:"key_publications"`
	} `json:"collaborators"`
}
