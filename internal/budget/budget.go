// Package budget splits a job's turn budget across discovery and research slots.
package budget

import (
	"fmt"

	"github.com/jonathan/collagent/internal/types"
)

// DiscoveryReserve is the number of turns taken off the top for discovery in broad mode.
const DiscoveryReserve = 1

// PhaseBudgets is an immutable turn allocation for one job.
type PhaseBudgets struct {
	Discovery   int                `json:"discovery"`
	Research    []int              `json:"research"`
	Diagnostics []types.Diagnostic `json:"diagnostics,omitempty"`
}

// Slots is the number of research slots that received turns.
func (b PhaseBudgets) Slots() int {
	return len(b.Research)
}

// Total is the discovery reserve plus every research allocation.
func (b PhaseBudgets) Total() int {
	total := b.Discovery
	for _, n := range b.Research {
		total += n
	}
	return total
}

// ForSlot returns the research turns of slot i, or 0 when out of range.
func (b PhaseBudgets) ForSlot(i int) int {
	if i < 0 || i >= len(b.Research) {
		return 0
	}
	return b.Research[i]
}

// Allocate computes the per-phase budgets for a job.
//
// Targeted jobs put every turn into a single research slot. Broad jobs reserve
// DiscoveryReserve turns and spread the rest evenly over institutionCount slots,
// giving the remainder to the earliest slots. When there are fewer turns than
// slots the slot count shrinks and a diagnostic records it.
func Allocate(totalTurns int, mode types.Mode, institutionCount int) (PhaseBudgets, error) {
	switch mode {
	case types.ModeTargeted:
		if totalTurns < 1 {
			return PhaseBudgets{}, exhausted(totalTurns, 1)
		}
		return PhaseBudgets{Research: []int{totalTurns}}, nil
	case types.ModeBroad:
	default:
		return PhaseBudgets{}, types.NewJobError(types.ErrConfig, fmt.Sprintf("unknown mode %q", mode), nil)
	}

	if institutionCount < 1 {
		return PhaseBudgets{}, types.NewJobError(types.ErrConfig, "institution count must be at least 1", nil)
	}

	available := totalTurns - DiscoveryReserve
	if available < 1 {
		return PhaseBudgets{}, exhausted(totalTurns, DiscoveryReserve+1)
	}

	var diags []types.Diagnostic
	slots := institutionCount
	if available < slots {
		diags = append(diags, types.Diagnostic{
			Kind:    types.DiagInstitutionsReduced,
			Message: fmt.Sprintf("%d turns cover only %d of %d institutions", totalTurns, available, institutionCount),
		})
		slots = available
	}

	base, rem := available/slots, available%slots
	research := make([]int, slots)
	for i := range research {
		research[i] = base
		if i < rem {
			research[i]++
		}
	}

	return PhaseBudgets{
		Discovery:   DiscoveryReserve,
		Research:    research,
		Diagnostics: diags,
	}, nil
}

func exhausted(total, needed int) error {
	return types.NewJobError(types.ErrBudgetExhausted,
		fmt.Sprintf("%d turns cannot cover the minimum of %d", total, needed), nil)
}
