package submission

import (
	"github.com/duniter-io/ucoin-core/infrastructure/logger"
	"github.com/duniter-io/ucoin-core/util/panics"
)

var (
	backendLog = logger.NewBackend()
	log        = backendLog.Logger("SUBM")
	spawn      = panics.GoroutineWrapperFunc(log)
)
