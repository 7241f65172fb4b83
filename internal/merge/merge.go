// Package merge consolidates per-institution collaborators into one ranked shortlist.
package merge

import (
	"slices"
	"strings"

	"github.com/jonathan/collagent/internal/types"
)

// Normalize lowercases s and collapses runs of whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Key is the deduplication key of a collaborator.
func Key(c types.Collaborator) string {
	return Normalize(c.Name) + "|" + Normalize(c.Institution)
}

// Merge deduplicates collaborators across results, ranks them by alignment and
// flags the first topN as highlighted.
//
// Duplicates keep the higher alignment; ties keep the first encountered. The
// surviving record takes the position of the first occurrence so that ranking
// ties stay in encounter order. Institutions are listed once each, in result order.
func Merge(results []types.InstitutionResult, topN int) types.Shortlist {
	if topN < 0 {
		topN = 0
	}

	var (
		collaborators []types.Collaborator
		institutions  []types.Institution
		index         = make(map[string]int)
		seenInst      = make(map[string]bool)
	)

	for _, r := range results {
		if name := Normalize(r.Institution.Name); name != "" && !seenInst[name] {
			seenInst[name] = true
			institutions = append(institutions, r.Institution)
		}
		for _, c := range r.Collaborators {
			if Normalize(c.Name) == "" {
				continue
			}
			key := Key(c)
			if i, ok := index[key]; ok {
				if c.Alignment > collaborators[i].Alignment {
					collaborators[i] = c
				}
				continue
			}
			index[key] = len(collaborators)
			collaborators = append(collaborators, c)
		}
	}

	slices.SortStableFunc(collaborators, func(a, b types.Collaborator) int {
		return b.Alignment - a.Alignment
	})
	for i := range collaborators {
		collaborators[i].Highlighted = i < topN
	}

	return types.Shortlist{
		Collaborators: collaborators,
		Institutions:  institutions,
	}
}

// Results splits a shortlist back into per-institution results, preserving the
// institution order and the shortlist order within each institution.
func Results(s types.Shortlist) []types.InstitutionResult {
	out := make([]types.InstitutionResult, 0, len(s.Institutions))
	pos := make(map[string]int)
	for _, inst := range s.Institutions {
		pos[Normalize(inst.Name)] = len(out)
		out = append(out, types.InstitutionResult{Institution: inst})
	}
	for _, c := range s.Collaborators {
		i, ok := pos[Normalize(c.Institution)]
		if !ok {
			i = len(out)
			pos[Normalize(c.Institution)] = i
			out = append(out, types.InstitutionResult{Institution: types.Institution{Name: c.Institution}})
		}
		out[i].Collaborators = append(out[i].Collaborators, c)
	}
	return out
}
