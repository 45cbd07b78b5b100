// Package tui is the interactive terminal front end: huh forms for the
// wizard and a bubbletea screen that follows a running workflow.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tturner/ucops/internal/orch/controller"
)

// WatchResult reports how the watch screen ended.
type WatchResult struct {
	Settled  bool
	Detached bool
}

// Watch follows ctrl on the alternate screen until the workflow settles
// (with ExitOnSettle) or the user quits. Quitting does not stop the
// workflow.
func Watch(ctx context.Context, ctrl *controller.Controller, opts WatchOptions) (WatchResult, error) {
	events, unsubscribe := ctrl.Subscribe(64)
	defer unsubscribe()

	model := NewWatchModel(ctrl, events, opts)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		return WatchResult{}, fmt.Errorf("watch screen: %w", err)
	}
	m := final.(*WatchModel)
	return WatchResult{Settled: m.Settled(), Detached: m.Detached()}, nil
}
