package monitoring

import (
	"context"
	"time"

	"chatcall/internal/core/ports"
)

// AddTransportCheck checks that the signaling transport can reach its backend.
func (h *HealthChecker) AddTransportCheck(transport ports.SignalingTransport, interval, timeout time.Duration) {
	h.AddCheck("signaling", transport.HealthCheck, interval, timeout)
}

// AddContactsCheck checks that profile lookups succeed.
func (h *HealthChecker) AddContactsCheck(contacts ports.ContactDirectory, interval, timeout time.Duration) {
	h.AddCheck("contacts", func(ctx context.Context) error {
		_, err := contacts.Lookup(ctx, "healthcheck")
		return err
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
