package graph

import (
	"context"
	"fmt"

	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/features"
)

// Cypher for feature extraction. Every query is keyed by $uuid/$ts of the
// node being described.
const (
	queryDegree = `
		MATCH (n {uuid: $uuid, timestamp: $ts})
		RETURN size([(n)--() | 1]) AS degree
		LIMIT 1`

	queryProcessOf = `
		MATCH (n {uuid: $uuid, timestamp: $ts})-[rel:PROC_OBJ]->(p:Process)
		RETURN p.uuid AS uuid, p.timestamp AS ts, rel.state AS state
		ORDER BY abs(p.timestamp - n.timestamp)
		LIMIT 1`

	queryFileOf = `
		MATCH (m:File)-[rel:PROC_OBJ]->(p:Process {uuid: $uuid, timestamp: $ts})
		RETURN m.uuid AS uuid, m.timestamp AS ts, rel.state AS state
		ORDER BY abs(p.timestamp - m.timestamp)
		LIMIT 1`

	querySocketOf = `
		MATCH (m:Socket)-[rel:PROC_OBJ]->(p:Process {uuid: $uuid, timestamp: $ts})
		RETURN m.uuid AS uuid, m.timestamp AS ts, rel.state AS state
		ORDER BY abs(p.timestamp - m.timestamp)
		LIMIT 1`

	queryProcessConnected = `
		MATCH (p:Process {uuid: $uuid, timestamp: $ts})-[:PROC_OBJ]->(s:Socket)
		WHERE NOT s.name[0] =~ '127.0.0.1.*'
		RETURN 1 AS hit
		LIMIT 1`

	queryFileDownloaded = `
		MATCH (f:File {uuid: $uuid})-[fp:PROC_OBJ]->(p:Process)<-[sp:PROC_OBJ]-(s:Socket)
		WHERE f.timestamp <= $ts
			AND fp.state IN ['WRITE', 'RaW', 'NONE']
			AND (sp.state = 'CLIENT' OR fp.state = 'RaW')
			AND NOT s.name[0] =~ '127.0.0.1.*'
		RETURN 1 AS hit
		LIMIT 1`

	querySocketConnected = `
		MATCH (s:Socket {uuid: $uuid, timestamp: $ts})
		WHERE NOT s.name[0] =~ '127.0.0.1.*'
		RETURN 1 AS hit
		LIMIT 1`

	queryUIDGID = `
		MATCH (p:Process {uuid: $uuid, timestamp: $ts})
		RETURN p.meta_uid = p.meta_euid AS uid_sts, p.meta_gid = p.meta_egid AS gid_sts
		LIMIT 1`

	queryPriorVersions = `
		MATCH (x {uuid: $uuid})
		WHERE x.timestamp < $ts
		RETURN count(x) AS versions`

	queryNameCmd = `
		MATCH (n {uuid: $uuid, timestamp: $ts})
		RETURN n.name AS name, n.cmdline AS cmd
		LIMIT 1`

	queryProcessFiles = `
		MATCH (p:Process {uuid: $uuid, timestamp: $ts})<-[rel:PROC_OBJ]-(f:File)
		RETURN rel.state AS state, f.name AS name, f.uuid AS uuid, f.timestamp AS ts`

	queryFileExternal = `
		MATCH (f:File {uuid: $uuid, timestamp: $ts})-[fp:PROC_OBJ]->(p:Process)<-[:PROC_OBJ]-(s:Socket)
		WHERE fp.state <> 'BIN'
		RETURN 1 AS hit
		LIMIT 1`
)

// Extract builds a feature vector for every node it can describe. Nodes
// that are not File/Process/Socket, or that have no related neighbour,
// are left out of the result.
func (c *Client) Extract(ctx context.Context, nodes []core.NodeID) (map[core.NodeID]features.Vector, error) {
	out := make(map[core.NodeID]features.Vector, len(nodes))
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		facts, ok, err := c.facts(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("extracting features for %s: %w", node, err)
		}
		if !ok {
			c.logger.Debug("node has no feature vector", "node", node.String())
			continue
		}
		out[node] = features.Build(facts)
	}
	return out, nil
}

func (c *Client) facts(ctx context.Context, node core.NodeID) (features.Facts, bool, error) {
	var f features.Facts

	typ, err := c.LookupType(ctx, node)
	if err != nil {
		return f, false, err
	}
	if !features.Extractable(typ) {
		return f, false, nil
	}
	f.Type = typ

	degree, ok, err := c.degree(ctx, node)
	if err != nil || !ok {
		return f, false, err
	}
	f.Degree = degree

	neigh, ok, err := c.closestNeighbour(ctx, node, typ)
	if err != nil || !ok {
		return f, false, err
	}
	if neigh.Degree, _, err = c.degree(ctx, neigh.Node); err != nil {
		return f, false, err
	}
	f.Neighbour = neigh

	switch typ {
	case core.NodeSocket:
		if f.WebConn, err = c.exists(ctx, querySocketConnected, node); err != nil {
			return f, false, err
		}
		if f.NeighWebConn, err = c.exists(ctx, queryProcessConnected, neigh.Node); err != nil {
			return f, false, err
		}
	case core.NodeFile:
		if f.WebConn, err = c.exists(ctx, queryFileDownloaded, node); err != nil {
			return f, false, err
		}
		if f.NeighWebConn, err = c.exists(ctx, queryProcessConnected, neigh.Node); err != nil {
			return f, false, err
		}
	default:
		if f.WebConn, err = c.exists(ctx, queryProcessConnected, node); err != nil {
			return f, false, err
		}
		neighQuery := querySocketConnected
		if neigh.Type == core.NodeFile {
			neighQuery = queryFileDownloaded
		}
		if f.NeighWebConn, err = c.exists(ctx, neighQuery, neigh.Node); err != nil {
			return f, false, err
		}
	}

	// uid/gid are properties of whichever side is the process
	proc := neigh.Node
	if typ == core.NodeProcess {
		proc = node
	}
	if f.UIDMatch, f.GIDMatch, err = c.uidGID(ctx, proc); err != nil {
		return f, false, err
	}

	if f.PriorVersions, err = c.priorVersions(ctx, node); err != nil {
		return f, false, err
	}

	if typ == core.NodeSocket {
		f.Suspicious, err = c.suspicious(ctx, neigh.Node, core.NodeProcess)
	} else {
		f.Suspicious, err = c.suspicious(ctx, node, typ)
	}
	if err != nil {
		return f, false, err
	}

	if typ == core.NodeFile {
		if f.External, err = c.exists(ctx, queryFileExternal, node); err != nil {
			return f, false, err
		}
	} else {
		f.External = f.WebConn
	}

	return f, true, nil
}

func (c *Client) degree(ctx context.Context, node core.NodeID) (int64, bool, error) {
	rows, err := c.read(ctx, queryDegree, nodeParams(node))
	if err != nil || len(rows) == 0 {
		return 0, false, err
	}
	d, ok := asInt64(rows[0]["degree"])
	return d, ok, nil
}

func (c *Client) neighbourFrom(ctx context.Context, cypher, typ string, node core.NodeID) (features.Neighbour, bool, error) {
	rows, err := c.read(ctx, cypher, nodeParams(node))
	if err != nil || len(rows) == 0 {
		return features.Neighbour{}, false, err
	}
	id, ok := rowNodeID(rows[0])
	if !ok {
		return features.Neighbour{}, false, nil
	}
	state, ok := rows[0]["state"].(string)
	if !ok {
		return features.Neighbour{}, false, nil
	}
	return features.Neighbour{
		Type: typ,
		Node: id,
		Edge: state,
		Dist: absDiff(node.Version, id.Version),
	}, true, nil
}

// closestNeighbour finds the process behind a file or socket, or the file
// or socket closest in time to a process
func (c *Client) closestNeighbour(ctx context.Context, node core.NodeID, typ string) (features.Neighbour, bool, error) {
	if typ != core.NodeProcess {
		return c.neighbourFrom(ctx, queryProcessOf, core.NodeProcess, node)
	}

	file, fileOK, err := c.neighbourFrom(ctx, queryFileOf, core.NodeFile, node)
	if err != nil {
		return features.Neighbour{}, false, err
	}
	socket, socketOK, err := c.neighbourFrom(ctx, querySocketOf, core.NodeSocket, node)
	if err != nil {
		return features.Neighbour{}, false, err
	}

	switch {
	case fileOK && socketOK:
		if socket.Dist > file.Dist {
			return file, true, nil
		}
		return socket, true, nil
	case fileOK:
		return file, true, nil
	case socketOK:
		return socket, true, nil
	default:
		return features.Neighbour{}, false, nil
	}
}

func (c *Client) exists(ctx context.Context, cypher string, node core.NodeID) (bool, error) {
	rows, err := c.read(ctx, cypher, nodeParams(node))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *Client) uidGID(ctx context.Context, proc core.NodeID) (bool, bool, error) {
	rows, err := c.read(ctx, queryUIDGID, nodeParams(proc))
	if err != nil || len(rows) == 0 {
		return false, false, err
	}
	uid, _ := rows[0]["uid_sts"].(bool)
	gid, _ := rows[0]["gid_sts"].(bool)
	return uid, gid, nil
}

func (c *Client) priorVersions(ctx context.Context, node core.NodeID) (int64, error) {
	rows, err := c.read(ctx, queryPriorVersions, nodeParams(node))
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	n, _ := asInt64(rows[0]["versions"])
	return n, nil
}

// suspicious applies the name/command blacklists. A process is also
// suspicious when its binary is a suspicious file or it writes into a
// protected location.
func (c *Client) suspicious(ctx context.Context, node core.NodeID, typ string) (bool, error) {
	rows, err := c.read(ctx, queryNameCmd, nodeParams(node))
	if err != nil {
		return false, err
	}
	var row map[string]any
	if len(rows) > 0 {
		row = rows[0]
	}

	if typ == core.NodeFile {
		return features.SuspiciousFileName(firstString(row["name"])), nil
	}

	if features.SuspiciousCommand(firstString(row["cmd"])) {
		return true, nil
	}

	files, err := c.read(ctx, queryProcessFiles, nodeParams(node))
	if err != nil {
		return false, err
	}
	for _, f := range files {
		state, _ := f["state"].(string)
		if state == "BIN" {
			if id, ok := rowNodeID(f); ok {
				bad, err := c.suspicious(ctx, id, core.NodeFile)
				if err != nil {
					return false, err
				}
				if bad {
					return true, nil
				}
			}
		}
		if state != "READ" {
			if name := firstString(f["name"]); name != nil && features.DangerousLocation(*name) {
				return true, nil
			}
		}
	}
	return false, nil
}

// firstString reads a property stored either as a string or a list of strings
func firstString(v any) *string {
	switch s := v.(type) {
	case string:
		return &s
	case []any:
		if len(s) == 0 {
			return nil
		}
		if str, ok := s[0].(string); ok {
			return &str
		}
	}
	return nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
