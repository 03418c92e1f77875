package limits_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/trainrunner/internal/jobmanager/limits"
)

func TestValidateCgroupRoot(t *testing.T) {
	t.Parallel()

	t.Run("Test invalid root", func(t *testing.T) {
		t.Parallel()

		if err := limits.ValidateCgroupRoot(t.TempDir()); err == nil {
			t.Errorf("expected invalid cgroup root to be rejected")
		}
	})

	t.Run("Test fake root with controllers file", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		if err := os.WriteFile(
			filepath.Join(root, "cgroup.controllers"),
			[]byte("cpu memory"),
			0o644,
		); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := limits.ValidateCgroupRoot(root); err != nil {
			t.Errorf("expected root to validate: got '%v'", err)
		}
	})
}

func TestCreateCgroupWritesLimits(t *testing.T) {
	t.Parallel()

	// Uses a plain temp dir as a stand-in root; creating the limit files
	// exercises the writer without needing a real cgroup hierarchy.
	root := t.TempDir()

	cg, err := limits.CreateCgroup(root, "job-123", limits.Resources{
		MemoryMaxBytes: 1 << 30,
		CPUMaxPercent:  50,
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	memory, err := os.ReadFile(filepath.Join(cg.Path(), "memory.max"))
	if err != nil {
		t.Fatalf("expected memory.max to be written: got '%v'", err)
	}

	if string(memory) != "1073741824" {
		t.Errorf("expected memory.max: got '%s', want '1073741824'", memory)
	}

	cpu, err := os.ReadFile(filepath.Join(cg.Path(), "cpu.max"))
	if err != nil {
		t.Fatalf("expected cpu.max to be written: got '%v'", err)
	}

	if string(cpu) != "50000 100000" {
		t.Errorf("expected cpu.max: got '%s', want '50000 100000'", cpu)
	}

	if err := cg.Destroy(); err != nil {
		t.Errorf("expected not to receive error: got '%v'", err)
	}

	if _, err := os.Stat(cg.Path()); !os.IsNotExist(err) {
		t.Errorf("expected cgroup dir to be removed")
	}
}

func TestSetVirtualMemoryCeilingRejectsNonPositive(t *testing.T) {
	t.Parallel()

	if err := limits.SetVirtualMemoryCeiling(os.Getpid(), 0); err == nil {
		t.Errorf("expected zero ceiling to be rejected")
	}
}
