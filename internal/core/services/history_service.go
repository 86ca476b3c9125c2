package services

import (
	"context"
	"fmt"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryService builds a user's call log from stored call records.
type HistoryService struct {
	transport ports.SignalingTransport
	contacts  ports.ContactDirectory
	logger    *zap.SugaredLogger
}

func NewHistoryService(transport ports.SignalingTransport, contacts ports.ContactDirectory, logger *zap.SugaredLogger) *HistoryService {
	return &HistoryService{
		transport: transport,
		contacts:  contacts,
		logger:    logger,
	}
}

// List returns the most recent calls of user, newest first. A non-positive
// limit selects the default; larger limits are capped.
func (h *HistoryService) List(ctx context.Context, user domain.UserID, limit int) ([]domain.HistoryEntry, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidCall)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	records, err := h.transport.ListCalls(ctx, user, limit)
	if err != nil {
		return nil, transportError(err)
	}

	contacts := make(map[domain.UserID]domain.Contact)
	entries := make([]domain.HistoryEntry, 0, len(records))
	for _, rec := range records {
		if !rec.Participant(user) {
			continue
		}
		peer := rec.PeerOf(user)
		contact, ok := contacts[peer]
		if !ok {
			contact = h.lookup(ctx, peer)
			contacts[peer] = contact
		}

		entries = append(entries, domain.HistoryEntry{
			CallID:    rec.ID,
			Direction: domain.DirectionFor(rec, user),
			Peer:      contact,
			Type:      rec.Type,
			Outcome:   domain.OutcomeFor(rec, user),
			StartedAt: rec.StartedAt,
			Duration:  rec.Duration(),
		})
	}
	return entries, nil
}

func (h *HistoryService) lookup(ctx context.Context, user domain.UserID) domain.Contact {
	if h.contacts != nil {
		contact, err := h.contacts.Lookup(ctx, user)
		if err == nil {
			return contact
		}
		h.logger.Debugw("contact lookup failed", "contact_id", user, "error", err)
	}
	return domain.Contact{UserID: user, DisplayName: string(user)}
}
