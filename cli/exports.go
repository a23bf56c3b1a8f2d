// This file re-exports internal packages so wrapper projects can embed the
// bot.
package cli

import (
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/server"
)

// Re-export server and routing types
type (
	Server      = server.Server
	RoutingList = router.RoutingList
	Pattern     = router.Pattern
)

// Re-export server constructor
var (
	NewServer = server.New
)
