package phase

import (
	"fmt"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// MigrateRun re-maps an in-flight run onto a newer registry by phase name.
// It fails with an UnknownPhaseError when the run's phase no longer exists.
// The caller persists the run and records the migration.
func MigrateRun(run *types.Run, to *Registry) (int, error) {
	if to.Version() < run.RegistryVersion {
		return 0, fmt.Errorf("cannot migrate run %s from registry v%d down to v%d", run.ID, run.RegistryVersion, to.Version())
	}
	step, err := to.Step(run.Phase)
	if err != nil {
		return 0, err
	}
	prev := run.Step
	run.RegistryVersion = to.Version()
	run.Step = step
	return prev, nil
}
