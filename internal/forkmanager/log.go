package forkmanager

import (
	"github.com/duniter-io/ucoin-core/infrastructure/logger"
	"github.com/duniter-io/ucoin-core/util/panics"
)

var (
	backendLog = logger.NewBackend()
	log        = backendLog.Logger("FORK")
	spawn      = panics.GoroutineWrapperFunc(log)
)
