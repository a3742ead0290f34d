package agent

import "go.uber.org/fx"

// Module provides the session orchestrator.
var Module = fx.Module("agent",
	fx.Provide(NewOrchestrator),
)
