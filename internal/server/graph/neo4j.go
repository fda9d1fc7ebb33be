package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/provprune/internal/server/core"
)

// Config holds Neo4j connection configuration
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Reader runs a read-only Cypher query and returns each record as a map
type Reader func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)

// Client answers provenance-graph questions over Neo4j
type Client struct {
	driver neo4j.DriverWithContext
	read   Reader
	logger *slog.Logger
}

// New creates a new Neo4j client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	c := &Client{driver: driver, logger: logger}
	c.read = c.executeRead(database)
	return c, nil
}

// NewWithReader builds a client over an arbitrary query function
func NewWithReader(read Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{read: read, logger: logger}
}

// Close closes the Neo4j connection
func (c *Client) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

// Ping verifies the graph database is reachable
func (c *Client) Ping(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeRead(database string) Reader {
	return func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: database,
			AccessMode:   neo4j.AccessModeRead,
		})
		defer session.Close(ctx)

		result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}

			var rows []map[string]any
			for res.Next(ctx) {
				rows = append(rows, res.Record().AsMap())
			}
			return rows, res.Err()
		})
		if err != nil {
			return nil, err
		}

		return result.([]map[string]any), nil
	}
}

func nodeParams(n core.NodeID) map[string]any {
	return map[string]any{"uuid": n.UUID, "ts": n.Version}
}

const queryLabels = `
	MATCH (n {uuid: $uuid, timestamp: $ts})
	RETURN labels(n) AS labels
	LIMIT 1
`

var knownTypes = map[string]bool{
	core.NodeFile:    true,
	core.NodeProcess: true,
	core.NodeSocket:  true,
	core.NodePipe:    true,
	core.NodeMachine: true,
}

// LookupType returns the node's type label, or core.NodeUnknown when the
// node is absent or carries no known label
func (c *Client) LookupType(ctx context.Context, node core.NodeID) (string, error) {
	rows, err := c.read(ctx, queryLabels, nodeParams(node))
	if err != nil {
		return "", fmt.Errorf("looking up type of %s: %w", node, err)
	}
	if len(rows) == 0 {
		return core.NodeUnknown, nil
	}

	labels, _ := rows[0]["labels"].([]any)
	for _, l := range labels {
		if s, ok := l.(string); ok && knownTypes[s] {
			return s, nil
		}
	}
	return core.NodeUnknown, nil
}

const queryNearestProcess = `
	MATCH (n {uuid: $uuid, timestamp: $ts})--(p:Process)
	RETURN p.uuid AS uuid, p.timestamp AS ts
	ORDER BY abs(p.timestamp - n.timestamp)
	LIMIT 1
`

// NearestProcess returns the Process connected to node that is closest in time
func (c *Client) NearestProcess(ctx context.Context, node core.NodeID) (core.NodeID, bool, error) {
	rows, err := c.read(ctx, queryNearestProcess, nodeParams(node))
	if err != nil {
		return core.NodeID{}, false, fmt.Errorf("finding process near %s: %w", node, err)
	}
	if len(rows) == 0 {
		return core.NodeID{}, false, nil
	}

	id, ok := rowNodeID(rows[0])
	if !ok {
		return core.NodeID{}, false, nil
	}
	return id, true, nil
}

func rowNodeID(row map[string]any) (core.NodeID, bool) {
	uuid, ok := row["uuid"].(string)
	if !ok || uuid == "" {
		return core.NodeID{}, false
	}
	ts, ok := asInt64(row["ts"])
	if !ok {
		return core.NodeID{}, false
	}
	return core.NodeID{UUID: uuid, Version: ts}, true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
