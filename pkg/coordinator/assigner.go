package coordinator

import (
	"fmt"
	"sync"
)

// Assigner picks the destined node for an unassigned task. nodes is never empty; load
// counts the incomplete tasks currently assigned to each node.
type Assigner interface {
	Pick(task string, nodes []string, load map[string]int) string
}

// RoundRobin cycles through the live nodes.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Pick(_ string, nodes []string, _ map[string]int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := nodes[r.next%len(nodes)]
	r.next++
	return node
}

// LeastLoaded picks the node with the fewest assigned tasks, breaking ties by order in
// nodes.
type LeastLoaded struct{}

func (LeastLoaded) Pick(_ string, nodes []string, load map[string]int) string {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if load[n] < load[best] {
			best = n
		}
	}
	return best
}

// NewAssigner returns the strategy registered under name.
func NewAssigner(name string) (Assigner, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobin{}, nil
	case "least-loaded":
		return LeastLoaded{}, nil
	}
	return nil, fmt.Errorf("unknown assignment strategy %q", name)
}
