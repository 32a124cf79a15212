package invitations

import (
	"context"

	"github.com/propwise/accessd/pkg/observability"
)

// LogSender is a development Sender that logs the invitation instead of
// delivering it. Production deployments swap in a real mail integration.
type LogSender struct {
	Logger *observability.Logger
}

func (s *LogSender) SendInvitation(ctx context.Context, inv *Invitation) error {
	logger := s.Logger
	if logger == nil {
		logger = observability.FromContext(ctx)
	}
	logger.WithFields(map[string]interface{}{
		"invitation_id": inv.ID,
		"resource_id":   inv.ResourceID,
		"email":         inv.InviteeEmail,
		"role":          inv.Role,
		"expires_at":    inv.ExpiresAt,
	}).Info("invitation created, delivery delegated")
	return nil
}
