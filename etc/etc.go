package etc

import (
	"time"

	"github.com/nrednav/cuid2"
)

func NewFreshID() string {
	return cuid2.Generate()
}

// Clock lets callers substitute a deterministic time source in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
