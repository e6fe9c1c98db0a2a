package reader

import (
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// DefaultBudget is the default per-batch memory budget in bytes
	DefaultBudget int64 = 30_000_000
	// MinAutoBudget and MaxAutoBudget clamp AutoBudget
	MinAutoBudget int64 = 1 << 20
	MaxAutoBudget int64 = 1 << 30
)

// AutoBudget derives a batch budget from a fraction of the memory currently
// available on the host, clamped to [MinAutoBudget, MaxAutoBudget].
func AutoBudget(fraction float64) (int64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, errors.Newf(errors.ErrorTypeValidation, "budget fraction must be in (0, 1], got %v", fraction).
			WithDetail("fraction", fraction)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read system memory")
	}
	return clampBudget(int64(float64(vm.Available) * fraction)), nil
}

func clampBudget(b int64) int64 {
	if b < MinAutoBudget {
		return MinAutoBudget
	}
	if b > MaxAutoBudget {
		return MaxAutoBudget
	}
	return b
}
