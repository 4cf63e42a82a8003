package jobs

import (
	"context"
	"fmt"

	"chatguard/internal/logging"
	"chatguard/internal/services"

	"github.com/sirupsen/logrus"
)

// QueueDepthMonitor publishes the retry queue depth and raises an alert while
// it stays above threshold. It never changes queue state.
type QueueDepthMonitor struct {
	queue     services.RetryQueue
	threshold int64
	metrics   *services.Metrics
	alerting  bool
	log       *logrus.Entry
}

// NewQueueDepthMonitor creates the monitor
func NewQueueDepthMonitor(queue services.RetryQueue, threshold int, metrics *services.Metrics) *QueueDepthMonitor {
	return &QueueDepthMonitor{
		queue:     queue,
		threshold: int64(threshold),
		metrics:   metrics,
		log:       logging.Component("queue-monitor"),
	}
}

// Run samples the queue depth once
func (m *QueueDepthMonitor) Run(ctx context.Context) error {
	depth, err := m.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("failed to read retry queue depth: %w", err)
	}

	alerting := depth > m.threshold
	m.metrics.SetQueueDepth(depth, alerting)

	fields := logrus.Fields{"depth": depth, "threshold": m.threshold}
	switch {
	case alerting:
		m.log.WithFields(fields).Warn("[QUEUE-MONITOR] Retry queue depth above threshold")
	case m.alerting:
		m.log.WithFields(fields).Info("[QUEUE-MONITOR] Retry queue depth back under threshold")
	}
	m.alerting = alerting
	return nil
}

// Alerting reports whether the last sample was above threshold
func (m *QueueDepthMonitor) Alerting() bool {
	return m.alerting
}
