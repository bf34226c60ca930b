package mergetrain

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/logfields"
)

// DryEngine is an Engine that does not change the remote repository.
// Push is simulated and always succeeds, all other operations are forwarded
// to the wrapped Engine.
type DryEngine struct {
	Engine
	logger *zap.Logger
}

func NewDryEngine(engine Engine, logger *zap.Logger) *DryEngine {
	return &DryEngine{
		Engine: engine,
		logger: logger.Named("dry_engine"),
	}
}

func (e *DryEngine) Push(_ context.Context, branch string) error {
	e.logger.Info(
		"simulated pushing branch, remote repository is unchanged",
		logfields.Event("push_simulated"),
		logfields.Branch(branch),
	)

	return nil
}
