//go:build linux

package shape

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	schedSetAffinityMu sync.RWMutex
	schedSetAffinity   = unix.SchedSetaffinity
	numCPU             = runtime.NumCPU
)

// pinToCPU binds the calling OS thread to a single CPU. The caller must hold
// its OS thread locked.
func pinToCPU(index int) error {
	schedSetAffinityMu.RLock()
	fn := schedSetAffinity
	cpus := numCPU()
	schedSetAffinityMu.RUnlock()

	if cpus <= 0 {
		cpus = 1
	}

	cpu := index % cpus
	if cpu < 0 {
		cpu += cpus
	}

	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)

	err := fn(0, &set)
	if err != nil {
		return fmt.Errorf("shape: pin worker %d to cpu %d: %w", index, cpu, err)
	}

	return nil
}
