// Package features turns graph facts about a provenance node into the
// fixed-order one-hot feature vector the classifier consumes.
package features

import (
	"math"
	"strings"

	"github.com/systemshift/provprune/internal/server/core"
)

// Names is the column order of every Vector
var Names = []string{
	"NODE_FILE",
	"NODE_PROCESS",
	"NODE_SOCKET",
	"NEIGH_FILE",
	"NEIGH_PROCESS",
	"NEIGH_SOCKET",
	"EDGE_PO_CLIENT",
	"EDGE_PO_SERVER",
	"EDGE_PO_RaW",
	"EDGE_PO_READ",
	"EDGE_PO_WRITE",
	"EDGE_PO_BIN",
	"EDGE_PO_NONE",
	"WEB_CONN",
	"NEIGH_WEB_CONN",
	"UID_STS",
	"GID_STS",
	"VERSION",
	"SUSPICIOUS",
	"EXTERNAL",
	"DEGREE",
	"NEIGH_DIST",
	"NEIGH_DEGREE",
}

// Width is the length of every Vector
var Width = len(Names)

// Vector is one row of the feature matrix, ordered as Names
type Vector []float64

// Get returns the value of the named feature, or 0 for unknown names
func (v Vector) Get(name string) float64 {
	if i, ok := index[name]; ok && i < len(v) {
		return v[i]
	}
	return 0
}

var index = func() map[string]int {
	m := make(map[string]int, len(Names))
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Edge states on PROC_OBJ relationships
var edgeFeatures = map[string]string{
	"CLIENT": "EDGE_PO_CLIENT",
	"SERVER": "EDGE_PO_SERVER",
	"RaW":    "EDGE_PO_RaW",
	"READ":   "EDGE_PO_READ",
	"WRITE":  "EDGE_PO_WRITE",
	"BIN":    "EDGE_PO_BIN",
	"NONE":   "EDGE_PO_NONE",
}

var nodeFeatures = map[string]string{
	core.NodeFile:    "NODE_FILE",
	core.NodeProcess: "NODE_PROCESS",
	core.NodeSocket:  "NODE_SOCKET",
}

var neighFeatures = map[string]string{
	core.NodeFile:    "NEIGH_FILE",
	core.NodeProcess: "NEIGH_PROCESS",
	core.NodeSocket:  "NEIGH_SOCKET",
}

// Extractable reports whether nodes of this type get a feature vector
func Extractable(nodeType string) bool {
	_, ok := nodeFeatures[nodeType]
	return ok
}

// Neighbour is the temporally closest related node
type Neighbour struct {
	Type   string
	Node   core.NodeID
	Edge   string // PROC_OBJ state
	Dist   int64  // absolute timestamp distance
	Degree int64
}

// Facts are the graph observations a Vector is built from
type Facts struct {
	Type          string
	Degree        int64
	Neighbour     Neighbour
	WebConn       bool
	NeighWebConn  bool
	UIDMatch      bool
	GIDMatch      bool
	PriorVersions int64
	Suspicious    bool
	External      bool
}

// Build assembles the vector for f
func Build(f Facts) Vector {
	v := make(Vector, Width)
	set := func(name string, val float64) { v[index[name]] = val }

	if name, ok := nodeFeatures[f.Type]; ok {
		set(name, 1)
	}
	if name, ok := neighFeatures[f.Neighbour.Type]; ok {
		set(name, 1)
	}
	if name, ok := edgeFeatures[f.Neighbour.Edge]; ok {
		set(name, 1)
	}

	set("WEB_CONN", boolFeature(f.WebConn))
	set("NEIGH_WEB_CONN", boolFeature(f.NeighWebConn))
	set("UID_STS", boolFeature(f.UIDMatch))
	set("GID_STS", boolFeature(f.GIDMatch))
	set("VERSION", float64(f.PriorVersions))
	set("SUSPICIOUS", boolFeature(f.Suspicious))
	set("EXTERNAL", boolFeature(f.External))
	set("DEGREE", float64(f.Degree))
	set("NEIGH_DIST", logDistance(f.Neighbour.Dist))
	set("NEIGH_DEGREE", float64(f.Neighbour.Degree))

	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// logDistance is ln(dist), with 0 for a zero distance
func logDistance(dist int64) float64 {
	if dist <= 0 {
		return 0
	}
	return math.Log(float64(dist))
}

// Substrings that make a process command line suspicious
var processBlacklist = []string{
	"sudo", "chmod", "usermod", "groupmod", "rm -rf",
	"/etc/pwd", "/usr/bin", "/usr/lib", "/bin/", "/lib",
	"attack", "virus", "worm", "trojan",
}

// Substrings that make a file name suspicious
var fileBlacklist = []string{"attack", "worm", "virus", "trojan"}

// Locations a process should not write to
var dangerousLocations = []string{
	"/etc/pwd", "/usr/bin", "/usr/lib", "/bin/", "/lib", "/boot", "/dev", "/root",
}

// SuspiciousCommand reports whether a process command line is suspicious.
// A missing command line counts as suspicious.
func SuspiciousCommand(cmd *string) bool {
	if cmd == nil {
		return true
	}
	return containsAny(*cmd, processBlacklist)
}

// SuspiciousFileName reports whether a file name is suspicious.
// A missing name counts as suspicious.
func SuspiciousFileName(name *string) bool {
	if name == nil {
		return true
	}
	return containsAny(*name, fileBlacklist)
}

// DangerousLocation reports whether path lies in a protected location
func DangerousLocation(path string) bool {
	return containsAny(path, dangerousLocations)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
