package hsm

import (
	"sync"

	"opsconsole/internal/model"
)

var loopTransitions = map[model.LoopPhase]map[model.LoopPhase]bool{
	model.LoopPhaseIdle: {
		model.LoopPhaseBuildingWorkflow: true,
		model.LoopPhaseRunningWorkflow:  true,
		model.LoopPhaseWaitingForRunner: true,
	},
	model.LoopPhaseBuildingWorkflow: {
		model.LoopPhaseRunningWorkflow: true,
	},
	model.LoopPhaseRunningWorkflow: {
		model.LoopPhaseEvaluatingExit: true,
		model.LoopPhaseReflecting:     true,
	},
	model.LoopPhaseReflecting: {
		model.LoopPhaseImplementingFixes: true,
		model.LoopPhaseEvaluatingExit:    true,
	},
	model.LoopPhaseImplementingFixes: {
		model.LoopPhaseEvaluatingExit: true,
	},
	model.LoopPhaseEvaluatingExit: {
		model.LoopPhaseComplete:          true,
		model.LoopPhaseBetweenIterations: true,
	},
	model.LoopPhaseBetweenIterations: {
		model.LoopPhaseWaitingForRunner: true,
		model.LoopPhaseBuildingWorkflow: true,
		model.LoopPhaseRunningWorkflow:  true,
	},
	model.LoopPhaseWaitingForRunner: {
		model.LoopPhaseBuildingWorkflow: true,
		model.LoopPhaseRunningWorkflow:  true,
	},
	model.LoopPhaseComplete: {
		model.LoopPhaseIdle: true,
	},
	model.LoopPhaseStopped: {
		model.LoopPhaseIdle: true,
	},
	model.LoopPhaseError: {
		model.LoopPhaseIdle: true,
	},
}

var terminalPhases = map[model.LoopPhase]bool{
	model.LoopPhaseComplete: true,
	model.LoopPhaseStopped:  true,
	model.LoopPhaseError:    true,
}

// CanTransitionLoop reports whether the supervisor may move a loop from one
// phase to the next. Any non-terminal phase may end in stopped or error, and
// a new run may begin from any terminal phase.
func CanTransitionLoop(from model.LoopPhase, to model.LoopPhase) bool {
	if from == to {
		return true
	}
	if !terminalPhases[from] && (to == model.LoopPhaseStopped || to == model.LoopPhaseError) {
		return true
	}
	if terminalPhases[from] && (to == model.LoopPhaseBuildingWorkflow || to == model.LoopPhaseRunningWorkflow || to == model.LoopPhaseWaitingForRunner) {
		return true
	}
	return loopTransitions[from][to]
}

func IsTerminal(phase model.LoopPhase) bool {
	return terminalPhases[phase]
}

func IsKnownPhase(phase model.LoopPhase) bool {
	_, ok := loopTransitions[phase]
	return ok
}

// IterationProgress returns min(100, iteration/max*100) clamped at zero.
// The complete phase always reports 100.
func IterationProgress(status model.WorkflowLoopStatus) float64 {
	if status.Phase == model.LoopPhaseComplete {
		return 100
	}
	maxIterations := status.MaxIterations()
	if maxIterations <= 0 || status.CurrentIteration <= 0 {
		return 0
	}
	progress := float64(status.CurrentIteration) / float64(maxIterations) * 100
	if progress > 100 {
		return 100
	}
	return progress
}

// StopTracker holds the stop-requested flag between issuing a stop and the
// first status read that shows the loop no longer running.
type StopTracker struct {
	mu        sync.Mutex
	requested bool
}

func (s *StopTracker) Request() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = true
}

// Observe folds a fresh status read into the tracker and reports whether a
// stop is still pending.
func (s *StopTracker) Observe(status model.WorkflowLoopStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !status.Running {
		s.requested = false
	}
	return s.requested
}

func (s *StopTracker) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

type LoopView struct {
	Status      model.WorkflowLoopStatus `json:"status"`
	Progress    float64                  `json:"progress"`
	StopPending bool                     `json:"stop_pending"`
	Terminal    bool                     `json:"terminal"`
}

// View derives what an operator sees for a loop status. While a stop is
// pending the loop is still shown as running.
func View(status model.WorkflowLoopStatus, stopPending bool) LoopView {
	return LoopView{
		Status:      status,
		Progress:    IterationProgress(status),
		StopPending: stopPending && status.Running,
		Terminal:    IsTerminal(status.Phase),
	}
}
