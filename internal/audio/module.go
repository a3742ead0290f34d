package audio

import "go.uber.org/fx"

var Module = fx.Module("audio",
	fx.Provide(
		NewProcessor,
		NewWAVTap,
	),
)
