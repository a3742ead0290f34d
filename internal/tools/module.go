package tools

import "go.uber.org/fx"

// Module provides the tool dispatcher.
var Module = fx.Module("tools",
	fx.Provide(NewDispatcher),
)
