package event

import "go.uber.org/fx"

var Module = fx.Module("event.publisher",
	fx.Provide(NewPublisher),
)
