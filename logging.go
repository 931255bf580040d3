package limestone

import "go.uber.org/zap"

// NewProductionLogger builds the zap.Logger this package expects for
// Config.Logger in a normal deployment: JSON-encoded, info level and
// above.
func NewProductionLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewDevelopmentLogger builds a human-readable, debug-level logger for
// local development and the CLI's verbose mode.
func NewDevelopmentLogger() (*zap.Logger, error) {
	return zap.NewDevelopment()
}
