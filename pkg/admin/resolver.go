// Package admin is the read-only operator surface the design notes call
// for: a GraphQL introspection schema over the controller's site registry,
// transaction table, and wait-for graph, and a WebSocket feed that pushes a
// snapshot of the same state at a fixed interval. Grounded on the teacher's
// pkg/graphql (schema/resolver/handler split) and
// pkg/server/handlers/websocket.go (gorilla/websocket upgrade + write
// loop), but read-only: there is no mutation type, since nothing here is
// allowed to acquire a lock or open a transaction on the operator's behalf.
package admin

import (
	"fmt"

	"github.com/graphql-go/graphql"
)

// Site mirrors controller.Site without importing pkg/controller from the
// GraphQL plumbing, so this package can be tested against a fake.
type Site struct {
	ID   uint64
	Host string
	Port int
}

// Transaction mirrors controller.Transaction.
type Transaction struct {
	ID     uint64
	SiteID uint64
	Name   string
	State  string
}

// Stats mirrors the counters exposed by controller.Stats.
type Stats struct {
	LocksGranted      int64
	DeadlocksDetected int64
	LockTimeouts      int64
	CommitsTotal      int64
	CommitsFailed     int64
	AbortsTotal       int64
}

// Source is the read-only view of the controller this package renders.
// *controller.Controller satisfies it via the adapter in pkg/admin/adapter.go.
type Source interface {
	Sites() []Site
	Transactions() []Transaction
	WaitForGraph() map[uint64]uint64
	Stats() Stats
}

// Resolver answers GraphQL queries against a Source. Each root field reads
// the Source on its own, so fields of one query that asks for several of
// them are not guaranteed to come from the same moment.
type Resolver struct {
	source Source
}

// NewResolver builds a Resolver over source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Sites resolves the "sites" query.
func (r *Resolver) Sites(p graphql.ResolveParams) (interface{}, error) {
	sites := r.source.Sites()
	out := make([]map[string]interface{}, 0, len(sites))
	for _, s := range sites {
		out = append(out, map[string]interface{}{
			"id":   fmt.Sprintf("%d", s.ID),
			"host": s.Host,
			"port": s.Port,
		})
	}
	return out, nil
}

// Transactions resolves the "transactions" query, optionally filtered by an
// exact state (Active, Replicating, Committed, Aborted).
func (r *Resolver) Transactions(p graphql.ResolveParams) (interface{}, error) {
	want, filtered := p.Args["state"].(string)
	txns := r.source.Transactions()
	out := make([]map[string]interface{}, 0, len(txns))
	for _, t := range txns {
		if filtered && t.State != want {
			continue
		}
		out = append(out, map[string]interface{}{
			"id":     fmt.Sprintf("%d", t.ID),
			"siteId": fmt.Sprintf("%d", t.SiteID),
			"name":   t.Name,
			"state":  t.State,
		})
	}
	return out, nil
}

// WaitForGraph resolves the "waitForGraph" query: one edge per blocked
// transaction, naming the transaction it is waiting behind.
func (r *Resolver) WaitForGraph(p graphql.ResolveParams) (interface{}, error) {
	edges := r.source.WaitForGraph()
	out := make([]map[string]interface{}, 0, len(edges))
	for from, to := range edges {
		out = append(out, map[string]interface{}{
			"waiting": fmt.Sprintf("%d", from),
			"blocker": fmt.Sprintf("%d", to),
		})
	}
	return out, nil
}

// ControllerStats resolves the "stats" query.
func (r *Resolver) ControllerStats(p graphql.ResolveParams) (interface{}, error) {
	s := r.source.Stats()
	return map[string]interface{}{
		"locksGranted":      s.LocksGranted,
		"deadlocksDetected": s.DeadlocksDetected,
		"lockTimeouts":      s.LockTimeouts,
		"commitsTotal":      s.CommitsTotal,
		"commitsFailed":     s.CommitsFailed,
		"abortsTotal":       s.AbortsTotal,
	}, nil
}
