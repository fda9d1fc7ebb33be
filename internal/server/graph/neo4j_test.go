package graph

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/provprune/internal/server/core"
)

// fakeGraph answers known queries from per-node fixtures.
type fakeGraph struct {
	responses map[string]map[core.NodeID][]map[string]any
	err       error
	calls     int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{responses: map[string]map[core.NodeID][]map[string]any{}}
}

func (g *fakeGraph) on(query string, node core.NodeID, rows ...map[string]any) {
	if g.responses[query] == nil {
		g.responses[query] = map[core.NodeID][]map[string]any{}
	}
	g.responses[query][node] = rows
}

func (g *fakeGraph) read(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	node := core.NodeID{UUID: params["uuid"].(string), Version: params["ts"].(int64)}
	return g.responses[cypher][node], nil
}

func (g *fakeGraph) client() *Client {
	return NewWithReader(g.read, nil)
}

func TestLookupType(t *testing.T) {
	g := newFakeGraph()
	file := core.NodeID{UUID: "f", Version: 1}
	odd := core.NodeID{UUID: "o", Version: 1}
	g.on(queryLabels, file, map[string]any{"labels": []any{"Node", "File"}})
	g.on(queryLabels, odd, map[string]any{"labels": []any{"Registry"}})

	c := g.client()
	ctx := context.Background()

	typ, err := c.LookupType(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, core.NodeFile, typ)

	typ, err = c.LookupType(ctx, odd)
	require.NoError(t, err)
	assert.Equal(t, core.NodeUnknown, typ)

	typ, err = c.LookupType(ctx, core.NodeID{UUID: "missing", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, core.NodeUnknown, typ)
}

func TestLookupTypeError(t *testing.T) {
	g := newFakeGraph()
	g.err = errors.New("connection reset")
	_, err := g.client().LookupType(context.Background(), core.NodeID{UUID: "a", Version: 1})
	require.Error(t, err)
}

func TestNearestProcess(t *testing.T) {
	g := newFakeGraph()
	pipe := core.NodeID{UUID: "pipe", Version: 5}
	g.on(queryNearestProcess, pipe, map[string]any{"uuid": "proc", "ts": int64(7)})

	c := g.client()
	proc, ok, err := c.NearestProcess(context.Background(), pipe)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.NodeID{UUID: "proc", Version: 7}, proc)

	_, ok, err = c.NearestProcess(context.Background(), core.NodeID{UUID: "lonely", Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractSocket(t *testing.T) {
	g := newFakeGraph()
	sock := core.NodeID{UUID: "sock", Version: 100}
	proc := core.NodeID{UUID: "proc", Version: 90}

	g.on(queryLabels, sock, map[string]any{"labels": []any{"Socket"}})
	g.on(queryDegree, sock, map[string]any{"degree": int64(3)})
	g.on(queryDegree, proc, map[string]any{"degree": int64(8)})
	g.on(queryProcessOf, sock, map[string]any{"uuid": "proc", "ts": int64(90), "state": "CLIENT"})
	g.on(querySocketConnected, sock, map[string]any{"hit": int64(1)})
	g.on(queryUIDGID, proc, map[string]any{"uid_sts": true, "gid_sts": false})
	g.on(queryPriorVersions, sock, map[string]any{"versions": int64(2)})
	g.on(queryNameCmd, proc, map[string]any{"name": []any{"curl"}, "cmd": "curl http://example.com"})

	vecs, err := g.client().Extract(context.Background(), []core.NodeID{sock})
	require.NoError(t, err)
	require.Contains(t, vecs, sock)

	v := vecs[sock]
	assert.Equal(t, 1.0, v.Get("NODE_SOCKET"))
	assert.Equal(t, 1.0, v.Get("NEIGH_PROCESS"))
	assert.Equal(t, 1.0, v.Get("EDGE_PO_CLIENT"))
	assert.Equal(t, 1.0, v.Get("WEB_CONN"))
	assert.Equal(t, 0.0, v.Get("NEIGH_WEB_CONN"))
	assert.Equal(t, 1.0, v.Get("UID_STS"))
	assert.Equal(t, 0.0, v.Get("GID_STS"))
	assert.Equal(t, 2.0, v.Get("VERSION"))
	assert.Equal(t, 0.0, v.Get("SUSPICIOUS"))
	assert.Equal(t, 1.0, v.Get("EXTERNAL"), "socket external follows web connectivity")
	assert.Equal(t, 3.0, v.Get("DEGREE"))
	assert.InDelta(t, math.Log(10), v.Get("NEIGH_DIST"), 1e-12)
	assert.Equal(t, 8.0, v.Get("NEIGH_DEGREE"))
}

func TestExtractProcessPrefersCloserNeighbour(t *testing.T) {
	g := newFakeGraph()
	proc := core.NodeID{UUID: "proc", Version: 50}

	g.on(queryLabels, proc, map[string]any{"labels": []any{"Process"}})
	g.on(queryDegree, proc, map[string]any{"degree": int64(2)})
	g.on(queryFileOf, proc, map[string]any{"uuid": "bin", "ts": int64(49), "state": "BIN"})
	g.on(querySocketOf, proc, map[string]any{"uuid": "sock", "ts": int64(10), "state": "CLIENT"})
	g.on(queryNameCmd, proc, map[string]any{"cmd": "sudo rm -rf /"})

	vecs, err := g.client().Extract(context.Background(), []core.NodeID{proc})
	require.NoError(t, err)
	v := vecs[proc]
	require.NotNil(t, v)

	assert.Equal(t, 1.0, v.Get("NEIGH_FILE"))
	assert.Equal(t, 1.0, v.Get("EDGE_PO_BIN"))
	assert.Equal(t, 0.0, v.Get("NEIGH_DIST"), "log of distance one")
	assert.Equal(t, 1.0, v.Get("SUSPICIOUS"))
}

func TestExtractProcessWritingToProtectedLocation(t *testing.T) {
	g := newFakeGraph()
	proc := core.NodeID{UUID: "proc", Version: 50}

	g.on(queryLabels, proc, map[string]any{"labels": []any{"Process"}})
	g.on(queryDegree, proc, map[string]any{"degree": int64(1)})
	g.on(querySocketOf, proc, map[string]any{"uuid": "sock", "ts": int64(40), "state": "SERVER"})
	g.on(queryNameCmd, proc, map[string]any{"cmd": "python app.py"})
	g.on(queryProcessFiles, proc, map[string]any{"state": "WRITE", "name": []any{"/boot/vmlinuz"}, "uuid": "k", "ts": int64(1)})

	vecs, err := g.client().Extract(context.Background(), []core.NodeID{proc})
	require.NoError(t, err)
	assert.Equal(t, 1.0, vecs[proc].Get("SUSPICIOUS"))
	assert.Equal(t, 1.0, vecs[proc].Get("NEIGH_SOCKET"))
}

func TestExtractSkipsUnextractable(t *testing.T) {
	g := newFakeGraph()
	pipe := core.NodeID{UUID: "pipe", Version: 1}
	lonely := core.NodeID{UUID: "file", Version: 1}

	g.on(queryLabels, pipe, map[string]any{"labels": []any{"Pipe"}})
	g.on(queryLabels, lonely, map[string]any{"labels": []any{"File"}})
	g.on(queryDegree, lonely, map[string]any{"degree": int64(0)})

	vecs, err := g.client().Extract(context.Background(), []core.NodeID{pipe, lonely})
	require.NoError(t, err)
	assert.Empty(t, vecs, "no neighbour and non-classifiable types yield no vector")
}

func TestExtractPropagatesErrors(t *testing.T) {
	g := newFakeGraph()
	g.err = errors.New("graph down")
	_, err := g.client().Extract(context.Background(), []core.NodeID{{UUID: "a", Version: 1}})
	require.Error(t, err)
}

func TestExtractHonorsCancellation(t *testing.T) {
	g := newFakeGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.client().Extract(ctx, []core.NodeID{{UUID: "a", Version: 1}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, g.calls)
}

func TestFirstString(t *testing.T) {
	assert.Nil(t, firstString(nil))
	assert.Nil(t, firstString([]any{}))
	assert.Equal(t, "a", *firstString("a"))
	assert.Equal(t, "b", *firstString([]any{"b", "c"}))
}
