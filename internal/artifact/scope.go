package artifact

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// Releaser removes a scratch artifact.
type Releaser interface {
	Release(art collector.ScrapeArtifact) error
}

// Scoped runs fn with art and releases art on every exit path, including a
// panic inside fn, which is returned as an error. A release failure is logged
// and joined into the returned error.
func Scoped(releaser Releaser, art collector.ScrapeArtifact, logger *zap.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling artifact %s: %v", art.SourceID, r)
		}
		if relErr := releaser.Release(art); relErr != nil {
			if logger != nil {
				logger.Error("artifact release failed",
					zap.String("source", art.SourceID),
					zap.String("path", art.Path),
					zap.Error(relErr),
				)
			}
			err = errors.Join(err, relErr)
		}
	}()
	return fn()
}
