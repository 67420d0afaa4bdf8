package config

import "fmt"

// Error reports an invalid configuration value. It is returned before any
// training step runs.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}
