package admin

import (
	"context"
	"testing"

	"github.com/graphql-go/graphql"
)

type stubSource struct {
	sites []Site
	txns  []Transaction
	graph map[uint64]uint64
	stats Stats
}

func (s stubSource) Sites() []Site                    { return s.sites }
func (s stubSource) Transactions() []Transaction      { return s.txns }
func (s stubSource) WaitForGraph() map[uint64]uint64  { return s.graph }
func (s stubSource) Stats() Stats                     { return s.stats }

func testSource() stubSource {
	return stubSource{
		sites: []Site{{ID: 1, Host: "localhost", Port: 9101}, {ID: 2, Host: "localhost", Port: 9102}},
		txns: []Transaction{
			{ID: 10, SiteID: 1, Name: "t1", State: "Active"},
			{ID: 11, SiteID: 2, Name: "t2", State: "Committed"},
		},
		graph: map[uint64]uint64{12: 10},
		stats: Stats{LocksGranted: 5, DeadlocksDetected: 1, CommitsTotal: 3},
	}
}

func runQuery(t *testing.T, source Source, query string) *graphql.Result {
	t.Helper()
	schema, err := Schema(source)
	if err != nil {
		t.Fatalf("Schema returned an error: %v", err)
	}
	result := graphql.Do(graphql.Params{Schema: schema, RequestString: query, Context: context.Background()})
	if len(result.Errors) > 0 {
		t.Fatalf("query returned errors: %v", result.Errors)
	}
	return result
}

func TestSitesQueryReturnsEveryRegisteredSite(t *testing.T) {
	result := runQuery(t, testSource(), `{ sites { id host port } }`)
	data := result.Data.(map[string]interface{})
	sites := data["sites"].([]interface{})
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(sites))
	}
}

func TestTransactionsQueryFiltersByState(t *testing.T) {
	result := runQuery(t, testSource(), `{ transactions(state: "Active") { id state } }`)
	data := result.Data.(map[string]interface{})
	txns := data["transactions"].([]interface{})
	if len(txns) != 1 {
		t.Fatalf("expected exactly one Active transaction, got %d", len(txns))
	}
	first := txns[0].(map[string]interface{})
	if first["state"] != "Active" {
		t.Fatalf("expected Active, got %v", first["state"])
	}
}

func TestWaitForGraphQueryReturnsEdges(t *testing.T) {
	result := runQuery(t, testSource(), `{ waitForGraph { waiting blocker } }`)
	data := result.Data.(map[string]interface{})
	edges := data["waitForGraph"].([]interface{})
	if len(edges) != 1 {
		t.Fatalf("expected exactly one edge, got %d", len(edges))
	}
	edge := edges[0].(map[string]interface{})
	if edge["waiting"] != "12" || edge["blocker"] != "10" {
		t.Fatalf("unexpected edge: %+v", edge)
	}
}

func TestStatsQueryReturnsControllerCounters(t *testing.T) {
	result := runQuery(t, testSource(), `{ stats { locksGranted deadlocksDetected commitsTotal } }`)
	data := result.Data.(map[string]interface{})
	stats := data["stats"].(map[string]interface{})
	if stats["locksGranted"] != 5 || stats["commitsTotal"] != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSchemaHasNoMutationOrSubscription(t *testing.T) {
	schema, err := Schema(testSource())
	if err != nil {
		t.Fatalf("Schema returned an error: %v", err)
	}
	if schema.MutationType() != nil {
		t.Fatal("the admin schema must be read-only: no mutation type")
	}
	if schema.SubscriptionType() != nil {
		t.Fatal("the admin schema must not expose a GraphQL subscription; live updates go over the WebSocket feed")
	}
}
