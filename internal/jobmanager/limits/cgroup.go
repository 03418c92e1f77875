package limits

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const cpuPeriodMicros = 100000

// Cgroup is a per-job cgroup v2 directory carrying the job's resource caps.
type Cgroup struct {
	path string
}

// ValidateCgroupRoot checks that root looks like a cgroup v2 hierarchy.
func ValidateCgroupRoot(root string) error {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}

// CreateCgroup makes a cgroup under root for one job and writes its caps.
func CreateCgroup(root, jobID string, res Resources) (*Cgroup, error) {
	cg := &Cgroup{path: filepath.Join(root, "trainrunner-"+jobID)}

	if err := os.MkdirAll(cg.path, 0o755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.apply(res); err != nil {
		os.RemoveAll(cg.path)
		return nil, err
	}

	return cg, nil
}

func (c *Cgroup) apply(res Resources) error {
	if res.CPUMaxPercent > 0 {
		quota := (res.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := c.write("cpu.max", value); err != nil {
			return err
		}
	}

	if res.MemoryMaxBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(res.MemoryMaxBytes, 10)); err != nil {
			return err
		}
	}

	return nil
}

// Join moves the process with the given pid into the cgroup.
func (c *Cgroup) Join(pid int) error {
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// Destroy removes the cgroup directory. The process must have exited first.
func (c *Cgroup) Destroy() error {
	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

// Path returns the cgroup directory path.
func (c *Cgroup) Path() string {
	return c.path
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(
		filepath.Join(c.path, file),
		[]byte(value),
		0o644,
	); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}
