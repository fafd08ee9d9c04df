package cluster

import "time"

// monitoringDisplayInterval paces the progress line when Monitor is on.
const monitoringDisplayInterval = 500 * time.Millisecond

func (c *Cluster[T]) monitorLoop() {
	defer c.loopWG.Done()
	ticker := time.NewTicker(monitoringDisplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		s := c.Snapshot()
		c.log.Info().
			Int("queued", s.Queued).
			Int("in_flight", s.InFlight).
			Int("done", s.Done).
			Int("errors", s.Errors).
			Int("skipped", s.Skipped).
			Int("workers", s.Workers).
			Int("busy", s.Busy).
			Msg("progress")
	}
}
