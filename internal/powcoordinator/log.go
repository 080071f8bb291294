package powcoordinator

import (
	"github.com/duniter-io/ucoin-core/infrastructure/logger"
	"github.com/duniter-io/ucoin-core/util/panics"
)

var (
	backendLog = logger.NewBackend()
	log        = backendLog.Logger("POWC")
	spawn      = panics.GoroutineWrapperFunc(log)
)
