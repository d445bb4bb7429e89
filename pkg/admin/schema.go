package admin

import (
	"fmt"

	"github.com/graphql-go/graphql"
)

// Schema builds the read-only introspection schema over source, shaped
// after the teacher's Schema(db) but with a Query-only root: no Mutation,
// no Subscription, since an operator watching the cluster must never be
// able to acquire a lock or move a transaction through this surface. Live
// updates are carried by the WebSocket feed in feed.go instead of a
// GraphQL subscription.
func Schema(source Source) (graphql.Schema, error) {
	siteType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Site",
		Description: "A registered executor site",
		Fields: graphql.Fields{
			"id":   &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"host": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"port": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		},
	})

	transactionType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Transaction",
		Description: "The controller's view of one transaction",
		Fields: graphql.Fields{
			"id":     &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"siteId": &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"name":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"state":  &graphql.Field{Type: graphql.NewNonNull(graphql.String), Description: "Active, Replicating, Committed, or Aborted"},
		},
	})

	waitForEdgeType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "WaitForEdge",
		Description: "One blocked transaction and the transaction it is waiting behind",
		Fields: graphql.Fields{
			"waiting": &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"blocker": &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		},
	})

	statsType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "ControllerStats",
		Description: "Lifetime counters maintained by the concurrency controller",
		Fields: graphql.Fields{
			"locksGranted":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"deadlocksDetected": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"lockTimeouts":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"commitsTotal":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"commitsFailed":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"abortsTotal":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		},
	})

	resolver := NewResolver(source)

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Query",
		Description: "Root query type for the SDDMS operator console",
		Fields: graphql.Fields{
			"sites": &graphql.Field{
				Type:        graphql.NewList(siteType),
				Description: "Every site registered with the controller",
				Resolve:     resolver.Sites,
			},
			"transactions": &graphql.Field{
				Type:        graphql.NewList(transactionType),
				Description: "Every transaction the controller knows about",
				Args: graphql.FieldConfigArgument{
					"state": &graphql.ArgumentConfig{
						Type:        graphql.String,
						Description: "Filter to one state: Active, Replicating, Committed, or Aborted",
					},
				},
				Resolve: resolver.Transactions,
			},
			"waitForGraph": &graphql.Field{
				Type:        graphql.NewList(waitForEdgeType),
				Description: "The current wait-for graph, one edge per blocked transaction",
				Resolve:     resolver.WaitForGraph,
			},
			"stats": &graphql.Field{
				Type:        statsType,
				Description: "Controller-wide lock and commit counters",
				Resolve:     resolver.ControllerStats,
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to build admin schema: %w", err)
	}
	return schema, nil
}
