package election

import "time"

// NodeRecord represents a node's heartbeat row in the database
type NodeRecord struct {
	NodeID        string `gorm:"column:node_id;primaryKey;size:255"`
	GroupID       string `gorm:"column:group_id;primaryKey;size:255"`
	LastHeartbeat int64  `gorm:"column:last_heartbeat;not null;index"` // unix millis
	Priority      int    `gorm:"column:priority;default:0"`
	IsNewNode     bool   `gorm:"column:is_new_node;not null"`
	CreatedAt     time.Time
}

func (NodeRecord) TableName() string {
	return "cluster_node_heartbeat"
}

// HeartbeatAge returns how long ago the node last wrote its heartbeat.
func (n NodeRecord) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(n.LastHeartbeat))
}
