package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/coordinator"
	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/internal/tui"
)

// runDashboard drives the live monitor over an execution handle. The
// dashboard stays up after the plan finishes so the final state can be
// read; quitting cancels the execution if it is still running.
func runDashboard(orch *coordinator.Orchestrator, handle *coordinator.ExecutionHandle) error {
	model := tui.NewMonitor(handle.PlanID(), handle.Events(), orch.GetCoordinationHealth, handle.Result)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}

	handle.Cancel()
	<-handle.Done()

	res := handle.Result()
	if res == nil {
		return fmt.Errorf("execution finished without a result")
	}
	if res.Status == coordinator.PlanFailed {
		return fmt.Errorf("plan %s failed: %s", res.PlanID, res.Detail)
	}
	fmt.Printf("Plan %s %s\n", res.PlanID, res.Status)
	return nil
}
