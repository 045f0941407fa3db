package logging

import "go.uber.org/zap"

// New builds the process logger: human-readable output in dev, JSON elsewhere.
func New(env string) (*zap.Logger, error) {
	switch env {
	case "dev", "development", "test":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}
