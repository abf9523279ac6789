package gen

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(ProvideNode))

// ProvideNode builds the snowflake node used for job id generation.
// The node id comes from SNOWFLAKE_NODE_ID so multiple workers never collide.
func ProvideNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if v, ok := os.LookupEnv("SNOWFLAKE_NODE_ID"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = n
		}
	}
	return snowflake.NewNode(nodeID)
}
