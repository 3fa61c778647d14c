package consumer

import "github.com/apex/log"

// A Logger is the structured logger the coordinator reports through. Any
// apex/log logger or entry satisfies it.
type Logger = log.Interface
