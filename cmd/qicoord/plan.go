package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/config"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/planner"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

var (
	planConfigPath  string
	planPriority    string
	planDeadline    string
	planConstraints []string
	planMandatory   []string
	planExportPath  string
)

var planCmd = &cobra.Command{
	Use:   "plan <objective>",
	Short: "Plan an objective into a task graph",
	Long: `Classify an objective's complexity and decompose it into a
dependency-aware task plan with risk assessment and contingencies.

The plan is printed for inspection; nothing is executed. Use --export
to write the plan as YAML for later runs.

Examples:
  qicoord plan "migrate the user service configs"
  qicoord plan "refactor the billing pipeline" --priority high --deadline 48h
  qicoord plan "audit access logs" --must "no production writes" --export plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planConfigPath, "config", "", "Config file to use instead of the default chain")
	planCmd.Flags().StringVar(&planPriority, "priority", "normal", "Objective priority (low, normal, high, critical)")
	planCmd.Flags().StringVar(&planDeadline, "deadline", "", "Deadline as a duration from now (e.g. 48h) or RFC3339 timestamp")
	planCmd.Flags().StringArrayVar(&planConstraints, "constraint", nil, "Advisory constraint (repeatable)")
	planCmd.Flags().StringArrayVar(&planMandatory, "must", nil, "Mandatory constraint (repeatable)")
	planCmd.Flags().StringVar(&planExportPath, "export", "", "Write the plan as YAML to this file")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(planConfigPath)
	if err != nil {
		return err
	}

	obj, err := buildObjective(args[0], planPriority, planDeadline, planConstraints, planMandatory)
	if err != nil {
		return err
	}

	p, err := planner.New(cfg.Planner)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	class, score := p.Classify(obj)
	fmt.Printf("Objective: %s\n", obj.Description)
	fmt.Printf("Complexity: %s (%.2f)\n\n", class, score)

	plan, err := p.Plan(obj, nil)
	if err != nil {
		var perr *planner.PlanningError
		if errors.As(err, &perr) && perr.Infeasible {
			color.Red("Plan is infeasible: %s", perr.Reason)
			for _, c := range perr.Violations {
				fmt.Printf("  violated: %s\n", c.Description)
			}
			os.Exit(1)
		}
		return err
	}

	displayPlan(plan)

	if planExportPath != "" {
		data, err := yaml.Marshal(plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		if err := os.WriteFile(planExportPath, data, 0644); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		fmt.Printf("\n%s Plan written to %s\n", color.GreenString("✓"), planExportPath)
	}
	return nil
}

// buildObjective assembles an objective from command-line inputs.
func buildObjective(description, priority, deadline string, constraints, mandatory []string) (*models.Objective, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("objective description is empty")
	}

	pri := models.Priority(priority)
	if !pri.Valid() {
		return nil, fmt.Errorf("invalid priority %q (use low, normal, high, or critical)", priority)
	}

	obj := &models.Objective{
		Description: description,
		Priority:    pri,
		CreatedAt:   time.Now(),
	}

	if deadline != "" {
		if d, err := time.ParseDuration(deadline); err == nil {
			t := time.Now().Add(d)
			obj.Deadline = &t
		} else if t, err := time.Parse(time.RFC3339, deadline); err == nil {
			obj.Deadline = &t
		} else {
			return nil, fmt.Errorf("invalid deadline %q (use a duration like 48h or an RFC3339 timestamp)", deadline)
		}
	}

	for _, c := range constraints {
		obj.Constraints = append(obj.Constraints, models.Constraint{Description: c})
	}
	for _, c := range mandatory {
		obj.Constraints = append(obj.Constraints, models.Constraint{Description: c, Mandatory: true})
	}
	return obj, nil
}

// displayPlan prints the plan's tasks, dependencies, and risk summary.
func displayPlan(plan *models.TaskPlan) {
	fmt.Printf("Plan %s (%d task units, ~%s along the critical path)\n\n",
		plan.ID, len(plan.Tasks), plan.EstimatedDuration)

	// Upstream dependencies per task, for inline display.
	deps := make(map[string][]string)
	for _, e := range plan.Edges {
		deps[e.ToTaskID] = append(deps[e.ToTaskID], e.FromTaskID)
	}

	fmt.Println("Tasks:")
	for _, t := range plan.Tasks {
		fmt.Printf("  %s: %s (%s)\n", color.CyanString(t.ID), t.Description, t.EstimatedDuration)
		if len(t.RequiredCapabilities) > 0 {
			fmt.Printf("      requires: %s\n", strings.Join(t.RequiredCapabilities, ", "))
		}
		if len(deps[t.ID]) > 0 {
			fmt.Printf("      after: %s\n", strings.Join(deps[t.ID], ", "))
		}
	}

	fmt.Printf("\nRisk: %s (%.2f)\n", riskColor(plan.Risk.Level), plan.Risk.Score)
	for _, f := range plan.Risk.Factors {
		fmt.Printf("  %s: %.2f (weight %.2f)\n", f.Name, f.Value, f.Weight)
	}

	if len(plan.Contingencies) > 0 {
		fmt.Println("\nContingencies:")
		for _, c := range plan.Contingencies {
			fmt.Printf("  %s → %s: %s\n", c.TaskID, c.Fallback.ID, c.Trigger)
		}
	}
}

// riskColor renders a risk level with its severity color.
func riskColor(level models.RiskLevel) string {
	switch level {
	case models.RiskLow:
		return color.GreenString(string(level))
	case models.RiskMedium:
		return color.YellowString(string(level))
	default:
		return color.RedString(string(level))
	}
}

// loadConfig loads configuration from an explicit path or the default
// chain (user config, project overrides, environment).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFromPath(path)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
