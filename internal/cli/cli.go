// ============================================================================
// Falcon-Sched CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line surface for the scheduling kernel
//
// Command Structure:
//   falcon-sched                   # Root command
//   ├── run                        # Start the scheduling kernel
//   │   └── --config, -c           # Config file (default configs/default.yaml)
//   ├── submit                     # Submit jobs from a JSON file
//   │   ├── --file, -f             # Job spec file
//   │   └── --addr                 # Control-plane address
//   ├── propose                    # Propose an adaptive directive
//   ├── status                     # Show server and utilization status
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load the YAML config
//   2. Build the kernel (admission, CBS, EDF, gate, telemetry)
//   3. Start the control-plane HTTP server and the metrics endpoint
//   4. Wait for SIGINT/SIGTERM and stop gracefully, flushing the
//      telemetry journal and writing a final aggregate export
//
// submit/propose/status Commands:
//   Thin HTTP clients against a running control plane; they never touch
//   scheduler state directly.
//
// ============================================================================

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/falcon-sched/internal/kernel"
	"github.com/ChuLiYu/falcon-sched/internal/metrics"
	"github.com/ChuLiYu/falcon-sched/internal/server"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// Config is the YAML configuration surface of the daemon.
type Config struct {
	Scheduler struct {
		CeilingPPM     uint32 `yaml:"ceiling_ppm"`
		TimerFreqHz    uint64 `yaml:"timer_freq_hz"`
		MaxClasses     int    `yaml:"max_classes"`
		QueueCapacity  int    `yaml:"queue_capacity"`
		TickIntervalUS int    `yaml:"tick_interval_us"`
	} `yaml:"scheduler"`

	Gate struct {
		MinIntervalMS int `yaml:"min_interval_ms"`
	} `yaml:"gate"`

	Telemetry struct {
		JournalPath           string `yaml:"journal_path"`
		ExportPath            string `yaml:"export_path"`
		ExportIntervalSeconds int    `yaml:"export_interval_seconds"`
	} `yaml:"telemetry"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the root command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "falcon-sched",
		Short: "Falcon-Sched: a deterministic real-time scheduling kernel",
		Long: `Falcon-Sched schedules periodic job classes with:
- Utilization-bound admission control (fixed-point ppm)
- Constant Bandwidth Server budget isolation
- Preemptive EDF dispatch with deterministic tie-breaking
- Rate-limited adaptive reconfiguration
- Prometheus metrics and durable telemetry`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildProposeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduling kernel and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	k, err := kernel.New(kernelConfig(cfg, collector))
	if err != nil {
		return fmt.Errorf("failed to build kernel: %w", err)
	}

	if err := k.Start(); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	srv := server.New(k)
	go func() {
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
			log.Error("control plane exited", "error", err)
		}
	}()

	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		go func() {
			log.Info("metrics listening", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	k.Stop()
	return nil
}

// kernelConfig maps the YAML surface onto the kernel's config.
func kernelConfig(cfg *Config, collector *metrics.Collector) kernel.Config {
	return kernel.Config{
		CeilingPPM:        cfg.Scheduler.CeilingPPM,
		TimerFreqHz:       cfg.Scheduler.TimerFreqHz,
		MaxClasses:        cfg.Scheduler.MaxClasses,
		QueueCapacity:     cfg.Scheduler.QueueCapacity,
		TickInterval:      time.Duration(cfg.Scheduler.TickIntervalUS) * time.Microsecond,
		GateMinIntervalNS: uint64(cfg.Gate.MinIntervalMS) * 1_000_000,
		JournalPath:       cfg.Telemetry.JournalPath,
		ExportPath:        cfg.Telemetry.ExportPath,
		ExportInterval:    time.Duration(cfg.Telemetry.ExportIntervalSeconds) * time.Second,
		Collector:         collector,
	}
}

func buildSubmitCommand() *cobra.Command {
	var jobFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit job specs from a JSON file",
		Long:  "Read an array of job specs from a JSON file and submit them to a running kernel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJobs(jobFile, addr)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job specs")
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "control-plane address")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitJobs(filePath, addr string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	var specs []types.JobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	successCount := 0
	for _, spec := range specs {
		body, _ := json.Marshal(spec)
		resp, err := http.Post(addr+"/v1/jobs", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach control plane: %w", err)
		}
		if resp.StatusCode != http.StatusCreated {
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			log.Error("submission rejected", "class", spec.ClassID, "status", resp.StatusCode, "body", string(msg))
			continue
		}
		resp.Body.Close()
		successCount++
	}

	fmt.Printf("Submitted %d/%d jobs to %s\n", successCount, len(specs), addr)
	return nil
}

func buildProposeCommand() *cobra.Command {
	var addr string
	var class uint32
	var action string
	var arg uint64

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose an adaptive directive",
		Long:  "Send a budget-adjust or completion-policy directive through the coordination gate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := types.Directive{
				TargetClassID: types.ClassID(class),
				Action:        types.DirectiveAction(action),
				Arg:           arg,
			}
			body, _ := json.Marshal(d)
			resp, err := http.Post(addr+"/v1/directives", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to reach control plane: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("directive rejected (%d): %s", resp.StatusCode, string(msg))
			}
			fmt.Println("Directive accepted")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "control-plane address")
	cmd.Flags().Uint32Var(&class, "class", 0, "target class ID")
	cmd.Flags().StringVar(&action, "action", string(types.ActionAdjustBudget), "directive action")
	cmd.Flags().Uint64Var(&arg, "arg", 0, "directive argument")
	cmd.MarkFlagRequired("class")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long:  "Display per-class CBS server state and total reserved utilization.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "control-plane address")
	return cmd
}

func showStatus(addr string) error {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		return fmt.Errorf("failed to reach control plane: %w", err)
	}
	defer resp.Body.Close()

	var servers []types.ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return fmt.Errorf("failed to parse status: %w", err)
	}

	fmt.Println("Falcon-Sched status")
	fmt.Println("-------------------")
	if len(servers) == 0 {
		fmt.Println("no classes admitted")
	}
	var totalPPM uint32
	for _, s := range servers {
		totalPPM += s.UtilizationPPM
		fmt.Printf("class %-4d util=%6d ppm  budget=%d/%d ns  period=%d ns  deadline=%d ns  drop_on_miss=%v\n",
			s.ClassID, s.UtilizationPPM, s.BudgetRemainingNS, s.MaxBudgetNS,
			s.PeriodNS, s.CurrentDeadlineNS, s.DropOnMiss)
	}
	fmt.Printf("total reserved: %d ppm\n", totalPPM)
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}
