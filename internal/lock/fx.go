package lock

import "go.uber.org/fx"

var Module = fx.Module("subscription.lock",
	fx.Provide(NewSubscriptionLocker),
)
