package internal

import (
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
)

// DiscardLogger returns an apex logger that drops every entry. It is the
// default for components constructed without WithLogger.
func DiscardLogger() *log.Logger {
	return &log.Logger{
		Handler: discard.Default,
		Level:   log.InfoLevel,
	}
}
