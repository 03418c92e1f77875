package main

import (
	"github.com/spf13/cobra"
)

type serverConfig struct {
	host  string
	port  uint16
	debug bool

	runtime    string
	workRoot   string
	cgroupRoot string

	workerVMemMaxBytes   int64
	workerMemoryMaxBytes int64
	workerCPUMaxPercent  int64

	certPath string
	keyPath  string

	// Sliding-window budgets per endpoint class, requests per window minute.
	rateGeneralMax  int
	rateStartMax    int
	rateValidateMax int
}

func rootCmd() *cobra.Command {
	cfg := &serverConfig{}

	c := &cobra.Command{
		Use:     "trainserver",
		Short:   "HTTP server for running and streaming ML training jobs",
		Example: "trainserver --port 8080 --runtime python3",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), cfg)
		},
	}

	c.Flags().StringVar(&cfg.host, "host", "localhost", "Host to bind")
	c.Flags().Uint16Var(&cfg.port, "port", 8080, "Port to listen on")
	c.Flags().BoolVar(&cfg.debug, "debug", false, "Enable debug logs")

	c.Flags().
		StringVar(&cfg.runtime, "runtime", "python3", "Worker interpreter binary")

	c.Flags().
		StringVar(&cfg.workRoot, "work-root", "", "Directory for per-job working directories (default: under the system temp dir)")

	c.Flags().
		StringVar(&cfg.cgroupRoot, "cgroup-root", "", "Cgroup v2 root for per-job resource caps (disabled when empty)")

	c.Flags().
		Int64Var(&cfg.workerVMemMaxBytes, "worker-vmem-max", 8<<30, "Virtual memory ceiling per worker, in bytes")

	c.Flags().
		Int64Var(&cfg.workerMemoryMaxBytes, "worker-memory-max", 0, "Cgroup memory cap per worker, in bytes (0 disables)")

	c.Flags().
		Int64Var(&cfg.workerCPUMaxPercent, "worker-cpu-percent", 0, "Cgroup CPU cap per worker, in percent (0 disables)")

	c.Flags().
		StringVar(&cfg.certPath, "cert-path", "", "Path to TLS certificate (TLS disabled when empty)")

	c.Flags().
		StringVar(&cfg.keyPath, "key-path", "", "Path to TLS private key")

	c.Flags().
		IntVar(&cfg.rateGeneralMax, "rate-general", 120, "General API requests per client per minute")

	c.Flags().
		IntVar(&cfg.rateStartMax, "rate-start", 10, "Job starts per client per minute")

	c.Flags().
		IntVar(&cfg.rateValidateMax, "rate-validate", 30, "Credential validations per client per minute")

	return c
}
