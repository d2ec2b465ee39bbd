package billingperiod

import (
	"github.com/smallbiznis/creditledger/internal/billingperiod/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingperiod.repository",
	fx.Provide(repository.Provide),
)
