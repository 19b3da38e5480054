package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/coordinator"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/engine"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/knowledge"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

var (
	runConfigPath string
	runPriority   string
	runDeadline   string
	runAgents     int
	runMonitor    bool
	runControlDir string
	runPlanFile   string
)

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Plan and execute an objective with simulated agents",
	Long: `Plan an objective and execute the resulting task graph against a
pool of simulated in-process agents. Progress events stream to the
terminal; pass --monitor for a live dashboard instead.

The simulated agents exercise the full coordination path: capability
matching, decision sequences, heartbeats, requeue, and contingencies.
Outcomes are recorded in the knowledge store when one is configured.

Examples:
  qicoord run "migrate the user service configs"
  qicoord run "refactor the billing pipeline" --agents 5 --monitor
  qicoord run --plan plan.yaml
  qicoord run "audit access logs" --control-dir .qicoord`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Config file to use instead of the default chain")
	runCmd.Flags().StringVar(&runPriority, "priority", "normal", "Objective priority (low, normal, high, critical)")
	runCmd.Flags().StringVar(&runDeadline, "deadline", "", "Deadline as a duration from now (e.g. 48h) or RFC3339 timestamp")
	runCmd.Flags().IntVar(&runAgents, "agents", 3, "Number of simulated agents")
	runCmd.Flags().BoolVar(&runMonitor, "monitor", false, "Show a live dashboard instead of streaming events")
	runCmd.Flags().StringVar(&runControlDir, "control-dir", "", "Watch this directory's signals/ for cancel files")
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "Execute a previously exported plan YAML instead of planning")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	if runAgents < 1 {
		return fmt.Errorf("at least one agent is required")
	}
	if runPlanFile == "" && len(args) == 0 {
		return fmt.Errorf("an objective description or --plan file is required")
	}

	var obj *models.Objective
	if len(args) > 0 {
		obj, err = buildObjective(args[0], runPriority, runDeadline, nil, nil)
		if err != nil {
			return err
		}
	}

	var store knowledge.Provider
	if cfg.Knowledge.Path != "" {
		s, err := knowledge.Open(cfg.Knowledge.Path)
		if err != nil {
			return fmt.Errorf("open knowledge store: %w", err)
		}
		defer s.Close()
		store = s
	}

	catalog, err := simulatedCatalog()
	if err != nil {
		return err
	}

	orch, err := coordinator.New(cfg, catalog, store)
	if err != nil {
		return err
	}
	if err := orch.Start(); err != nil {
		return err
	}
	defer orch.Stop()

	if runControlDir != "" {
		watcher, err := coordinator.NewControlWatcher(runControlDir, orch)
		if err != nil {
			return fmt.Errorf("control watcher: %w", err)
		}
		defer watcher.Close()
	}

	agentCtx, stopAgents := context.WithCancel(context.Background())
	defer stopAgents()
	if err := startSimulatedAgents(agentCtx, orch, runAgents, cfg.Registry.HeartbeatInterval); err != nil {
		return err
	}

	var plan *models.TaskPlan
	if runPlanFile != "" {
		plan, err = importPlan(runPlanFile)
	} else {
		plan, err = orch.PlanObjective(obj)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Plan %s: %d task units, risk %s\n\n", plan.ID, len(plan.Tasks), plan.Risk.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := orch.DistributeAndExecute(ctx, plan)
	if err != nil {
		return err
	}

	if runMonitor {
		return runDashboard(orch, handle)
	}
	return streamEvents(handle)
}

// streamEvents prints progress events until the execution finishes.
func streamEvents(handle *coordinator.ExecutionHandle) error {
	for ev := range handle.Events() {
		printEvent(ev)
	}

	res := handle.Result()
	if res == nil {
		return fmt.Errorf("execution finished without a result")
	}
	if dropped := handle.Dropped(); dropped > 0 {
		fmt.Printf("(%d events dropped)\n", dropped)
	}

	fmt.Println()
	switch res.Status {
	case coordinator.PlanCompleted:
		fmt.Printf("%s Plan %s completed: %s\n", color.GreenString("✓"), res.PlanID, res.Detail)
		return nil
	case coordinator.PlanCancelled:
		fmt.Printf("%s Plan %s cancelled\n", color.YellowString("⚠"), res.PlanID)
		return nil
	default:
		fmt.Printf("%s Plan %s failed: %s\n", color.RedString("✗"), res.PlanID, res.Detail)
		os.Exit(1)
		return nil
	}
}

// printEvent renders one progress event with severity coloring.
func printEvent(ev coordinator.Event) {
	ts := ev.Timestamp.Format("15:04:05")

	var kind string
	switch ev.Kind {
	case coordinator.EventTaskCompleted, coordinator.EventPlanCompleted:
		kind = color.GreenString(string(ev.Kind))
	case coordinator.EventTaskFailed, coordinator.EventPlanFailed:
		kind = color.RedString(string(ev.Kind))
	case coordinator.EventTaskRequeued, coordinator.EventContingencyApplied, coordinator.EventPlanCancelled:
		kind = color.YellowString(string(ev.Kind))
	default:
		kind = color.CyanString(string(ev.Kind))
	}

	line := fmt.Sprintf("%s %s", ts, kind)
	if ev.TaskID != "" {
		line += " " + ev.TaskID
	}
	if ev.AgentID != "" {
		line += " @" + ev.AgentID
	}
	if ev.Detail != "" {
		line += " (" + ev.Detail + ")"
	}
	fmt.Println(line)
}

// importPlan reads a plan previously written by `plan --export`.
func importPlan(path string) (*models.TaskPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	plan := &models.TaskPlan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if plan.ID == "" || len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no id or task units", path)
	}
	return plan, nil
}

// simulatedCatalog builds a strategy catalog whose patterns simulate
// work with short randomized delays.
func simulatedCatalog() (coordinator.StrategyCatalog, error) {
	simulate := func(base time.Duration) coordinator.PatternFunc {
		return func(ctx context.Context, patternID string, actx engine.ActionContext) (*engine.ExecutionResult, error) {
			delay := base + time.Duration(rand.Intn(50))*time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			return &engine.ExecutionResult{
				Success: true,
				Detail:  fmt.Sprintf("%s finished after %s", patternID, delay.Round(time.Millisecond)),
			}, nil
		}
	}

	return coordinator.NewStrategyCatalog(map[models.ActionKind]coordinator.PatternFunc{
		models.ActionSequential: simulate(100 * time.Millisecond),
		models.ActionParallel:   simulate(50 * time.Millisecond),
		models.ActionAdaptive:   simulate(75 * time.Millisecond),
	})
}

// startSimulatedAgents registers n agents covering the built-in
// capability tags and keeps their heartbeats flowing until ctx ends.
func startSimulatedAgents(ctx context.Context, orch *coordinator.Orchestrator, n int, heartbeat time.Duration) error {
	tags := []string{"file-write", "validate", "analyze"}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sim-agent-%d", i+1)

		caps := make([]models.Capability, len(tags))
		for j, tag := range tags {
			caps[j] = models.Capability{Tag: tag, Confidence: 0.7 + 0.05*float64((i+j)%5)}
		}

		if err := orch.Registry().Register(models.AgentInstance{ID: id, Capabilities: caps}); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
		if err := orch.Bus().Subscribe(id, func(msg models.AgentMessage) {}); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}

		go func(id string) {
			ticker := time.NewTicker(heartbeat / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = orch.Registry().Heartbeat(id, rand.Float64()*0.5)
				}
			}
		}(id)
	}
	return nil
}
