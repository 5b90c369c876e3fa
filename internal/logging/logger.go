// Package logging builds the process-wide zap.Logger. Every component
// receives a *zap.Logger through its constructor rather than reaching for a
// package-level global, so tests can pass zap.NewNop().
package logging

import "go.uber.org/zap"

// New builds a production (JSON) logger, or a development (console, debug
// level) logger when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
