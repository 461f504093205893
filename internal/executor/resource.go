package executor

import (
	"log/slog"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/lunasched/lunasched/internal/job"
)

// pidAlive reports whether the pid still refers to a live process.
func pidAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// CheckResources reports whether the host currently has headroom for the
// job's declared memory requirement. Purely advisory: a shortfall is logged
// and reported as false; memory limits are not enforced.
func CheckResources(j *job.Job, logger *slog.Logger) bool {
	required := j.ResourceLimits.MaxMemoryMB
	if required == nil || *required == 0 {
		return true
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return true
	}
	availableMB := vm.Available / 1024 / 1024
	if availableMB < *required {
		logger.Warn("insufficient memory for job",
			slog.String("job_id", string(j.ID)),
			slog.Uint64("required_mb", *required),
			slog.Uint64("available_mb", availableMB))
		return false
	}
	return true
}
