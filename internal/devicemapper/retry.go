package devicemapper

import (
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"github.com/lvmcore/lvmcore/internal/logger"
)

// RetryRemove retries a top-level device remove that failed with EBUSY
// (open_count > 0), per spec §4.4 traversal rule 5 and §4.4 scenario 4. The
// caller's removeFn should re-check holders/mounts via sysfs before
// retrying; lvmcore only supplies the bounded backoff loop.
func RetryRemove(name string, removeFn func() error) error {
	err := retry.Retry(func(attempt uint) error {
		err := removeFn()
		if err != nil {
			logger.Debug("retry_remove attempt failed", logger.Ctx{"device": name, "attempt": attempt, "err": err.Error()})
		}

		return err
	},
		strategy.Limit(5),
		strategy.Backoff(backoff.Incremental(50*time.Millisecond, 50*time.Millisecond)),
	)
	if err != nil {
		return fmt.Errorf("devicemapper: remove %q still busy after retries: %w", name, err)
	}

	return nil
}
