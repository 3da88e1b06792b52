package election

import (
	"cmp"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Snapshot is an immutable view of the group membership taken at one refresh.
type Snapshot struct {
	TakenAt     time.Time
	Live        []NodeRecord // sorted by priority DESC, node id ASC
	Coordinator string
}

// LiveIDs returns the ids of the live nodes in coordinator order.
func (s *Snapshot) LiveIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Live))
	for _, n := range s.Live {
		ids = append(ids, n.NodeID)
	}
	return ids
}

// Contains reports whether nodeID is live in the snapshot.
func (s *Snapshot) Contains(nodeID string) bool {
	if s == nil {
		return false
	}
	for _, n := range s.Live {
		if n.NodeID == nodeID {
			return true
		}
	}
	return false
}

// ElectCoordinator orders live in place by priority DESC then node id ASC and returns the
// first id. Every node runs this over the same rows, so they agree without a vote.
func ElectCoordinator(live []NodeRecord) string {
	if len(live) == 0 {
		return ""
	}
	slices.SortFunc(live, func(a, b NodeRecord) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return live[0].NodeID
}

func newSnapshot(records []NodeRecord, now time.Time, deadThreshold time.Duration) *Snapshot {
	live := make([]NodeRecord, 0, len(records))
	for _, r := range records {
		if r.HeartbeatAge(now) < deadThreshold {
			live = append(live, r)
		}
	}
	return &Snapshot{
		TakenAt:     now,
		Live:        live,
		Coordinator: ElectCoordinator(live),
	}
}
