package lifecycle

import (
	"github.com/sirupsen/logrus"
)

// Notifier receives operator-facing events. The default implementation just
// logs; deployments with a desktop shell or alerting hook plug in their own.
type Notifier interface {
	NotifyStateChange(t Transition)
	NotifyConfigurationError(reason string)
	NotifyServiceStopped(reason string)
}

type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) NotifyStateChange(t Transition) {
	n.Logger.WithFields(logrus.Fields{
		"module": "lifecycle",
		"from":   t.From,
		"to":     t.To,
		"reason": t.Reason,
	}).Info("service state changed")
}

func (n *LogNotifier) NotifyConfigurationError(reason string) {
	n.Logger.WithFields(logrus.Fields{
		"module": "lifecycle",
		"reason": reason,
	}).Error("configuration rejected by cloud, manual reconfiguration required")
}

func (n *LogNotifier) NotifyServiceStopped(reason string) {
	n.Logger.WithFields(logrus.Fields{
		"module": "lifecycle",
		"reason": reason,
	}).Error("service stopped")
}
