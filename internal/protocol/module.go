package protocol

import "go.uber.org/fx"

// Module provides the session client factory.
var Module = fx.Module("protocol",
	fx.Provide(NewFactory),
)
