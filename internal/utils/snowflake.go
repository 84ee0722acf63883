package utils

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// NewSnowflakeNode creates the node that assigns link primary keys.
// DatacenterID and WorkerID use 5 bits each (0-31) of the 10-bit node ID.
func NewSnowflakeNode(datacenterID, workerID int64) (*snowflake.Node, error) {
	if datacenterID < 0 || datacenterID > 31 {
		return nil, fmt.Errorf("datacenter id must be 0-31, got %d", datacenterID)
	}
	if workerID < 0 || workerID > 31 {
		return nil, fmt.Errorf("worker id must be 0-31, got %d", workerID)
	}

	node, err := snowflake.NewNode((datacenterID << 5) | workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return node, nil
}
