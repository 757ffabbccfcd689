package camera

import (
	"context"
	"time"

	"gige-streamer/device"

	"go.uber.org/zap"
)

// triggerLoop fires a software trigger at rate hertz while acquisition runs.
// Failed triggers and ticks arriving later than twice the period count as missed.
func (m *Manager) triggerLoop(ctx context.Context, rate float64) {
	defer m.wg.Done()

	period := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	m.logger.Info("Software trigger loop started", zap.Float64("rate", rate), zap.Duration("period", period))

	last := time.Now()
	var missed uint64
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Software trigger loop stopped", zap.Uint64("missed", missed))
			return
		case now := <-ticker.C:
			late := now.Sub(last) > 2*period
			last = now

			if !m.IsAcquiring() {
				continue
			}

			if late {
				missed++
				m.metrics.TriggersMissed.Inc()
				m.logger.Warn("Software trigger loop missed its rate", zap.Uint64("missed", missed))
			}

			if err := m.device.ExecuteCommand(device.CommandTriggerSoftware); err != nil {
				missed++
				m.metrics.TriggersMissed.Inc()
				m.logger.Warn("Software trigger failed", zap.Error(err))
			}
		}
	}
}
