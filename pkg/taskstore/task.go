package taskstore

// State is the lifecycle state of a coordinated task.
type State string

const (
	StateNone      State = "NONE"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateNone, StateRunning, StateCompleted:
		return true
	}
	return false
}

// ParseState converts a string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", ErrInvalidState
	}
	return st, nil
}

// Task is a row of the coordinated task table
type Task struct {
	Name           string  `gorm:"column:task_name;primaryKey;size:255" json:"task_name"`
	DestinedNodeID *string `gorm:"column:destined_node_id;size:255;index" json:"destined_node_id"`
	State          State   `gorm:"column:task_state;type:varchar(20);not null;index" json:"task_state"`
}

func (Task) TableName() string {
	return "coordinated_task_table"
}

// Assigned reports whether the task has a destined node.
func (t Task) Assigned() bool {
	return t.DestinedNodeID != nil
}

// Owner returns the destined node id, or "" when unassigned.
func (t Task) Owner() string {
	if t.DestinedNodeID == nil {
		return ""
	}
	return *t.DestinedNodeID
}
