package isolation

import (
	"time"
)

// watch samples the worker's resident set every interval and kills the
// worker once it exceeds limit bytes.
func (c *Context) watch(limit uint64, interval time.Duration) {
	defer c.wg.Done()

	logger := c.logger.With().Str("component", "watchdog").Logger()
	logger.Debug().
		Uint64("limit", limit).
		Dur("interval", interval).
		Msg("Starting memory watchdog")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-c.proc.Done():
			return
		case <-ticker.C:
			stats, err := c.proc.Stats(c.loopCtx)
			if err != nil {
				if c.proc.Exited() || c.loopCtx.Err() != nil {
					return
				}
				logger.Debug().Err(err).Msg("Failed to sample worker memory")
				continue
			}

			if stats.RSS <= limit {
				continue
			}

			logger.Warn().
				Uint64("rss", stats.RSS).
				Uint64("limit", limit).
				Msg("Worker exceeded its memory limit, killing it")
			c.killedByWatchdog.Store(true)
			if err := c.proc.Kill(); err != nil {
				logger.Error().Err(err).Msg("Failed to kill worker")
			}
			return
		}
	}
}
