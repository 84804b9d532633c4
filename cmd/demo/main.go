package main

// ============================================================================
// Falcon-Sched demo: runs the kernel standalone with two periodic classes
// plus one class the admission controller must reject, then prints the
// resulting telemetry. Useful for eyeballing CBS throttling and EDF order
// without the control plane.
// ============================================================================

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/falcon-sched/internal/kernel"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func main() {
	k, err := kernel.New(kernel.Config{
		ExportPath: "demo_aggregate.json",
	})
	if err != nil {
		log.Fatalf("failed to build kernel: %v", err)
	}

	if err := k.Start(); err != nil {
		log.Fatalf("failed to start kernel: %v", err)
	}
	fmt.Println("kernel started")

	// Class 1: 2 ms WCET per 10 ms period (200_000 ppm).
	// Class 2: 1 ms WCET per 5 ms period (200_000 ppm).
	specs := []types.JobSpec{
		{ClassID: 1, WCETCycles: 125_000, PeriodNS: 10_000_000, DeadlineOffsetNS: 10_000_000},
		{ClassID: 2, WCETCycles: 62_500, PeriodNS: 5_000_000, DeadlineOffsetNS: 5_000_000},
	}
	for _, spec := range specs {
		h, err := k.SubmitJob(spec)
		if err != nil {
			log.Fatalf("submit class %d: %v", spec.ClassID, err)
		}
		fmt.Printf("submitted job %d (class %d)\n", h.JobID, h.ClassID)
	}

	// Class 3 declares 9 ms per 10 ms and must be rejected: 200k + 200k +
	// 900k ppm exceeds the full-core ceiling.
	_, err = k.SubmitJob(types.JobSpec{
		ClassID: 3, WCETCycles: 562_500, PeriodNS: 10_000_000, DeadlineOffsetNS: 10_000_000,
	})
	if err != nil {
		fmt.Printf("class 3 rejected as expected: %v\n", err)
	}

	fmt.Printf("reserved utilization: %d ppm\n", k.CurrentUtilizationPPM())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-time.After(3 * time.Second):
	}

	k.Stop()

	for _, s := range k.Status() {
		fmt.Printf("class %d: budget %d/%d ns, deadline %d ns\n",
			s.ClassID, s.BudgetRemainingNS, s.MaxBudgetNS, s.CurrentDeadlineNS)
	}
	fmt.Printf("deadline misses: %d\n", k.MissCount())
	fmt.Println("kernel stopped; aggregate written to demo_aggregate.json")
}
