package recovery

import (
	"context"
	"fmt"

	"authvault/internal/logging"
	"authvault/internal/notify"
)

// AnnouncingFailoverHook records the region switch and pages operators. The
// actual traffic move (DNS, load balancer) is owned by the platform outside
// this process; the hook's job is to make the switch loud and auditable.
type AnnouncingFailoverHook struct {
	notifier *notify.Notifier
	logger   *logging.Logger
}

// NewAnnouncingFailoverHook creates the default failover hook
func NewAnnouncingFailoverHook(notifier *notify.Notifier, logger *logging.Logger) *AnnouncingFailoverHook {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &AnnouncingFailoverHook{notifier: notifier, logger: logger}
}

// Failover implements FailoverHook
func (h *AnnouncingFailoverHook) Failover(ctx context.Context, targetRegion string, metadata map[string]string) error {
	fields := map[string]interface{}{"target_region": targetRegion}
	for k, v := range metadata {
		fields[k] = v
	}
	h.logger.WithFields(fields).Warn("initiating failover")

	if h.notifier == nil || !h.notifier.HasChannels() {
		return nil
	}

	alert := notify.NewAlert(notify.SeverityCritical,
		"Failover initiated",
		fmt.Sprintf("Traffic is being moved to region %s", targetRegion))
	if len(metadata) > 0 {
		alert.Metadata = map[string]interface{}{}
		for k, v := range metadata {
			alert.Metadata[k] = v
		}
	}

	return h.notifier.Send(ctx, alert)
}
