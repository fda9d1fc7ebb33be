package core

import (
	"fmt"
	"time"
)

// Provenance node type labels as stored in the graph
const (
	NodeFile    = "File"
	NodeProcess = "Process"
	NodeSocket  = "Socket"
	NodePipe    = "Pipe"
	NodeMachine = "Machine"

	// NodeUnknown is returned when a node has no known type label or does not exist
	NodeUnknown = "N/A"
)

// ClassifiedByAuto marks records decided without running the classifier
const ClassifiedByAuto = "N/A"

// NodeID identifies one version of a provenance node
type NodeID struct {
	UUID    string `json:"uuid"`
	Version int64  `json:"timestamp"`
}

func (n NodeID) String() string {
	return fmt.Sprintf("%s@%d", n.UUID, n.Version)
}

// Recommendation is the SHOW/HIDE verdict for a node
type Recommendation string

const (
	Show Recommendation = "SHOW"
	Hide Recommendation = "HIDE"
)

// Recommend picks SHOW when the show probability is at least the hide probability
func Recommend(show, hide float64) Recommendation {
	if show >= hide {
		return Show
	}
	return Hide
}

// Probabilities is one classifier output row
type Probabilities struct {
	Show float64
	Hide float64
}

// CacheRecord is the stored classification of one node version
type CacheRecord struct {
	Node         NodeID
	ClassifiedBy string
	ValidUntil   *time.Time
	ShowProb     *float64        // nil when features could not be extracted
	HideProb     *float64        // nil when features could not be extracted
	Recommended  *Recommendation // nil when features could not be extracted
}

// ValidAt reports whether the record is still fresh at now
func (r *CacheRecord) ValidAt(now time.Time) bool {
	return r != nil && r.ValidUntil != nil && now.Before(*r.ValidUntil)
}

// NewAutoRecord builds a record with a fixed verdict that bypasses inference
func NewAutoRecord(node NodeID, show, hide float64) CacheRecord {
	rec := Recommend(show, hide)
	return CacheRecord{
		Node:         node,
		ClassifiedBy: ClassifiedByAuto,
		ShowProb:     &show,
		HideProb:     &hide,
		Recommended:  &rec,
	}
}

// NewUnextractableRecord builds a record for a node that produced no feature vector
func NewUnextractableRecord(node NodeID) CacheRecord {
	return CacheRecord{
		Node:         node,
		ClassifiedBy: ClassifiedByAuto,
	}
}

// NewInferredRecord builds a record from a classifier output row
func NewInferredRecord(node NodeID, classifiedBy string, p Probabilities) CacheRecord {
	show, hide := p.Show, p.Hide
	rec := Recommend(show, hide)
	return CacheRecord{
		Node:         node,
		ClassifiedBy: classifiedBy,
		ShowProb:     &show,
		HideProb:     &hide,
		Recommended:  &rec,
	}
}

// Substitute copies the verdict of a proxy record onto another node
func (r CacheRecord) Substitute(node NodeID) CacheRecord {
	out := CacheRecord{
		Node:         node,
		ClassifiedBy: r.ClassifiedBy,
	}
	if r.ShowProb != nil {
		v := *r.ShowProb
		out.ShowProb = &v
	}
	if r.HideProb != nil {
		v := *r.HideProb
		out.HideProb = &v
	}
	if r.Recommended != nil {
		v := *r.Recommended
		out.Recommended = &v
	}
	return out
}

// JobStatus is the lifecycle state of a classification job
type JobStatus string

const (
	JobWaiting JobStatus = "WAITING"
	JobRunning JobStatus = "RUNNING"
	JobStopped JobStatus = "STOPPED"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed
func (s JobStatus) Terminal() bool {
	return s == JobStopped || s == JobDone || s == JobFailed
}

// Active reports whether the job still holds or awaits the worker slot
func (s JobStatus) Active() bool {
	return s == JobWaiting || s == JobRunning
}

// Job is a classification job record
type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
}

// JobNodeLink attributes a node to a job
type JobNodeLink struct {
	JobID     string
	Node      NodeID
	ProxyOnly bool // linked only as the classification proxy of another input
}

// ProxySubstitution projects the proxy's record onto the original node
type ProxySubstitution struct {
	Original NodeID
	Proxy    NodeID
}

// ResultView is the wire form of one result entry
type ResultView struct {
	UUID         string          `json:"uuid"`
	Timestamp    int64           `json:"timestamp"`
	ShowProb     *float64        `json:"showProb"`
	HideProb     *float64        `json:"hideProb"`
	Recommended  *Recommendation `json:"recommended"`
	ClassifiedBy string          `json:"classifiedBy"`
}

// View returns the wire form of r
func (r CacheRecord) View() ResultView {
	return ResultView{
		UUID:         r.Node.UUID,
		Timestamp:    r.Node.Version,
		ShowProb:     r.ShowProb,
		HideProb:     r.HideProb,
		Recommended:  r.Recommended,
		ClassifiedBy: r.ClassifiedBy,
	}
}

// Views converts records to their wire form, never returning nil
func Views(recs []CacheRecord) []ResultView {
	out := make([]ResultView, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View())
	}
	return out
}
