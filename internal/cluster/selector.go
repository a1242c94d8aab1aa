package cluster

import "fmt"

// Consistency is the consistency level requested by a caller of the write
// pipeline (spec §4.4).
type Consistency int

const (
	None Consistency = iota
	One
	LocalQuorum
	Quorum
	EachQuorum
	All
)

func (c Consistency) String() string {
	switch c {
	case None:
		return "none"
	case One:
		return "one"
	case LocalQuorum:
		return "local_quorum"
	case Quorum:
		return "quorum"
	case EachQuorum:
		return "each_quorum"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// ConsistencyError reports that the live peer set cannot possibly satisfy
// the requested consistency level (spec §4.4).
type ConsistencyError struct {
	Required  int
	Available int
	DC        string // empty when the failure isn't DC-scoped
}

func (e *ConsistencyError) Error() string {
	if e.DC != "" {
		return fmt.Sprintf("cluster: consistency unmet in dc %q: need %d, have %d", e.DC, e.Required, e.Available)
	}
	return fmt.Sprintf("cluster: consistency unmet: need %d, have %d", e.Required, e.Available)
}

// Target is the outcome of selecting peers for one write: which peers must
// be contacted and how many remote acknowledgements (not counting the local
// commit) are required to call the write a success.
type Target struct {
	Peers     []Node
	Threshold int
}

// Selector computes Target peer sets for a requested consistency level
// against the current live membership (C6). It is grounded in the teacher's
// Replicator, generalized from a fixed (N, W, R) replication-factor model —
// appropriate when each node owns a key range — to this cluster's fully
// replicated model, where every live peer is a replication target and the
// quorum math operates over the whole live set or its per-DC partition.
type Selector struct {
	localDC string
}

// NewSelector builds a Selector that treats localDC as "the local DC" for
// LocalQuorum.
func NewSelector(localDC string) *Selector {
	return &Selector{localDC: localDC}
}

// Select computes the peer set to contact and the number of remote acks
// required, given every known member (live or not — use Membership.All, not
// Snapshot: quorum math needs the configured cluster size, not just who
// currently answers) aside from the local node itself.
//
// The returned Target.Peers always lists only the live members to actually
// contact; Threshold is the count of their acks needed, not counting the
// local node's own already-committed write.
func (s *Selector) Select(consistency Consistency, known []Node) (Target, error) {
	live := filterAlive(known)

	switch consistency {
	case None:
		// Best-effort: no remote ack is required. The caller still
		// replicates to every live peer; the write pipeline waits for that
		// fan-out to finish or time out, but its outcome never fails the
		// write. The fan-out is not detached into the background.
		return Target{Peers: live, Threshold: 0}, nil

	case One:
		if len(live) == 0 {
			return Target{}, &ConsistencyError{Required: 1, Available: 0}
		}
		return Target{Peers: live, Threshold: 1}, nil

	case LocalQuorum:
		return s.quorumInDC(known, s.localDC)

	case Quorum:
		need := majority(len(known) + 1) // +1 counts the local node
		available := 1 + len(live)        // local already committed, plus live peers
		if available < need {
			return Target{}, &ConsistencyError{Required: need, Available: available}
		}
		return Target{Peers: live, Threshold: need - 1}, nil

	case EachQuorum:
		byDC := groupByDC(known)
		total := 0
		peers := make([]Node, 0, len(live))
		for dc := range byDC {
			t, err := s.quorumInDC(known, dc)
			if err != nil {
				return Target{}, err
			}
			total += t.Threshold
			peers = append(peers, t.Peers...)
		}
		return Target{Peers: peers, Threshold: total}, nil

	case All:
		return Target{Peers: live, Threshold: len(live)}, nil

	default:
		return Target{}, fmt.Errorf("cluster: unknown consistency level %v", consistency)
	}
}

// quorumInDC computes the ack threshold for a majority within dc. Required
// and Available in any resulting ConsistencyError count the full DC quorum,
// including the local node's own already-committed write when dc is the
// local DC — mirroring spec §8 scenario 6's ConsistencyError{required,
// available} shape.
func (s *Selector) quorumInDC(known []Node, dc string) (Target, error) {
	members := filterDC(known, dc)
	isLocalDC := dc == s.localDC

	size := len(members)
	if isLocalDC {
		size++ // the local node is itself a member of its own DC
	}
	need := majority(size)

	live := filterAlive(members)
	available := len(live)
	if isLocalDC {
		available++
	}
	if available < need {
		return Target{}, &ConsistencyError{Required: need, Available: available, DC: dc}
	}

	threshold := need
	if isLocalDC {
		threshold--
	}
	return Target{Peers: live, Threshold: threshold}, nil
}

func majority(n int) int {
	return n/2 + 1
}

func filterAlive(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsAlive {
			out = append(out, n)
		}
	}
	return out
}

func filterDC(nodes []Node, dc string) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.DC == dc {
			out = append(out, n)
		}
	}
	return out
}

func groupByDC(nodes []Node) map[string][]Node {
	out := make(map[string][]Node)
	for _, n := range nodes {
		out[n.DC] = append(out[n.DC], n)
	}
	return out
}
