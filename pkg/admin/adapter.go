package admin

import "github.com/mnohosten/sddms/pkg/controller"

// ControllerAdapter wraps *controller.Controller to satisfy Source,
// translating its richer types into this package's plain structs so the
// GraphQL/WebSocket plumbing above never has to import pkg/controller
// itself.
type ControllerAdapter struct {
	ctrl *controller.Controller
}

// NewControllerAdapter builds a Source over ctrl.
func NewControllerAdapter(ctrl *controller.Controller) *ControllerAdapter {
	return &ControllerAdapter{ctrl: ctrl}
}

func (a *ControllerAdapter) Sites() []Site {
	sites := a.ctrl.Sites()
	out := make([]Site, len(sites))
	for i, s := range sites {
		out[i] = Site{ID: s.ID, Host: s.Host, Port: s.Port}
	}
	return out
}

func (a *ControllerAdapter) Transactions() []Transaction {
	txns := a.ctrl.Transactions()
	out := make([]Transaction, len(txns))
	for i, t := range txns {
		out[i] = Transaction{ID: uint64(t.ID), SiteID: t.SiteID, Name: t.Name, State: string(t.State)}
	}
	return out
}

func (a *ControllerAdapter) WaitForGraph() map[uint64]uint64 {
	return a.ctrl.WaitForGraph()
}

func (a *ControllerAdapter) Stats() Stats {
	s := a.ctrl.Stats()
	return Stats{
		LocksGranted:      s.LocksGranted(),
		DeadlocksDetected: s.DeadlocksDetected(),
		LockTimeouts:      s.LockTimeouts(),
		CommitsTotal:      s.CommitsTotal(),
		CommitsFailed:     s.CommitsFailed(),
		AbortsTotal:       s.AbortsTotal(),
	}
}
