package summary

import (
	"context"

	"IMGateway/logger"
)

// ConvLister names the conversations a user participates in.
type ConvLister interface {
	ListConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Cursors exposes the two per-conversation marks the summary needs.
type Cursors interface {
	LastSeq(ctx context.Context, conversationID int64) (int64, error)
	GetRead(ctx context.Context, userID, conversationID int64) (int64, error)
}

// Item is one conversation's unread state as pushed to a client. The
// conversation id is the map key on the wire, not part of the item.
type Item struct {
	LastSeq int64 `json:"lastSeq"`
	ReadSeq int64 `json:"readSeq"`
	Unread  int64 `json:"unread"`
}

// Service builds the catch-up view a reconnecting client pulls.
type Service struct {
	convs   ConvLister
	cursors Cursors
}

func NewService(convs ConvLister, cursors Cursors) *Service {
	return &Service{convs: convs, cursors: cursors}
}

// Build computes unread counts keyed by conversation id. A single
// failing conversation is skipped rather than failing the whole pull.
func (s *Service) Build(ctx context.Context, userID int64) (map[int64]Item, error) {
	convIDs, err := s.convs.ListConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]Item, len(convIDs))
	for _, convID := range convIDs {
		last, err := s.cursors.LastSeq(ctx, convID)
		if err != nil {
			logger.Warnf("[summary] last seq failed user=%d conv=%d err=%v", userID, convID, err)
			continue
		}
		read, err := s.cursors.GetRead(ctx, userID, convID)
		if err != nil {
			logger.Warnf("[summary] read seq failed user=%d conv=%d err=%v", userID, convID, err)
			continue
		}
		unread := last - read
		if unread < 0 {
			unread = 0
		}
		out[convID] = Item{
			LastSeq: last,
			ReadSeq: read,
			Unread:  unread,
		}
	}
	return out, nil
}
