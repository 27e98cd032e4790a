package ids

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// NewNode builds the process snowflake node. The node id comes from
// SNOWFLAKE_NODE_ID so horizontally scaled workers do not collide.
func NewNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}

// Module provides the snowflake ID node.
var Module = fx.Module("ids",
	fx.Provide(NewNode),
)
