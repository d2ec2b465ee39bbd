package usagecredit

import (
	"github.com/smallbiznis/creditledger/internal/usagecredit/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("usagecredit.repository",
	fx.Provide(repository.Provide),
)
