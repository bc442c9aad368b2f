package reconcile

import "sync"

type guardState int32

const (
	idle guardState = iota
	running
	runningWithPending
)

func (s guardState) String() string {
	switch s {
	case idle:
		return "Idle"
	case running:
		return "Running"
	case runningWithPending:
		return "RunningWithPending"
	}
	return "unknown"
}

// passGuard lets one reconciliation pass run at a time. A request that
// arrives while a pass runs is folded into exactly one extra pass.
type passGuard struct {
	mu    sync.Mutex
	state guardState
}

// enter reports whether the caller should run the pass. If a pass is
// already running it records the request and returns false.
func (g *passGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == idle {
		g.state = running
		return true
	}
	g.state = runningWithPending
	return false
}

// exit ends a pass and reports whether one more pass is owed.
func (g *passGuard) exit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == runningWithPending {
		g.state = running
		return true
	}
	g.state = idle
	return false
}

func (g *passGuard) current() guardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
