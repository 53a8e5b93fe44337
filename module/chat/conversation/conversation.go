package conversation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"IMGateway/logger"
	"IMGateway/module/chat/model"
	"IMGateway/service/cache"
	"IMGateway/tools/errs"
	"IMGateway/tools/ids"
)

const (
	privateConvKeyFmt = "im:conv:private:%d:%d"
	convByIDKeyFmt    = "im:conv:id:%d"
	userConvsKeyFmt   = "im:user:convs:%d"
)

// ConvStore is the durable conversation table.
type ConvStore interface {
	FindPrivate(ctx context.Context, a, b int64) (*model.Conversation, error)
	FindByID(ctx context.Context, conversationID int64) (*model.Conversation, error)
	Insert(ctx context.Context, c *model.Conversation) error
}

// MemberStore is the durable membership table.
type MemberStore interface {
	FindAny(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error)
	Insert(ctx context.Context, m *model.ConversationMember) error
	Restore(ctx context.Context, conversationID, userID int64) error
	ListActive(ctx context.Context, conversationID int64) ([]*model.ConversationMember, error)
	ListConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Service resolves and creates conversations. Lookups are cache-aside;
// every membership write evicts the keys it invalidates.
type Service struct {
	cache   *cache.Client
	convs   ConvStore
	members MemberStore
}

func NewService(c *cache.Client, convs ConvStore, members MemberStore) *Service {
	return &Service{cache: c, convs: convs, members: members}
}

func privateConvKey(a, b int64) string {
	lo, hi := model.CanonicalPair(a, b)
	return fmt.Sprintf(privateConvKeyFmt, lo, hi)
}

func convByIDKey(conversationID int64) string {
	return fmt.Sprintf(convByIDKeyFmt, conversationID)
}

func userConvsKey(userID int64) string {
	return fmt.Sprintf(userConvsKeyFmt, userID)
}

// GetOrCreatePrivate returns the private conversation between a and b,
// creating it with both memberships on first contact.
func (s *Service) GetOrCreatePrivate(ctx context.Context, a, b int64) (*model.Conversation, error) {
	if a <= 0 || b <= 0 || a == b {
		return nil, errs.ErrArgs.WrapMsg("bad peer pair", "a", a, "b", b)
	}

	conv, err := cache.GetOrLoad(ctx, s.cache, privateConvKey(a, b), func(ctx context.Context) (*model.Conversation, error) {
		c, err := s.convs.FindPrivate(ctx, a, b)
		if errs.ErrNotFound.Is(err) {
			return nil, nil
		}
		return c, err
	})
	if err == nil {
		return conv, nil
	}
	if !errs.ErrNotFound.Is(err) {
		return nil, err
	}

	created, err := s.createPrivate(ctx, a, b)
	if err != nil {
		return nil, err
	}
	// the null placeholder and both users' conversation lists are stale
	lo, hi := model.CanonicalPair(a, b)
	if err := s.cache.Evict(ctx, privateConvKey(a, b), userConvsKey(lo), userConvsKey(hi)); err != nil {
		logger.Warnf("[conversation] cache evict failed a=%d b=%d err=%v", a, b, err)
	}
	return created, nil
}

func (s *Service) createPrivate(ctx context.Context, a, b int64) (*model.Conversation, error) {
	lo, hi := model.CanonicalPair(a, b)
	conv := &model.Conversation{
		ConversationID: ids.Generate(),
		Type:           model.ConversationTypePrivate,
		PeerA:          lo,
		PeerB:          hi,
		CreateTime:     time.Now(),
	}
	err := s.convs.Insert(ctx, conv)
	if errs.ErrDuplicate.Is(err) {
		// lost the creation race, the winner's row is authoritative
		return s.convs.FindPrivate(ctx, a, b)
	}
	if err != nil {
		return nil, err
	}

	for _, uid := range []int64{lo, hi} {
		m := &model.ConversationMember{
			ConversationID: conv.ConversationID,
			UserID:         uid,
			Status:         model.MemberStatusActive,
			JoinTime:       time.Now(),
		}
		if err := s.members.Insert(ctx, m); err != nil && !errs.ErrDuplicate.Is(err) {
			return nil, err
		}
	}
	return conv, nil
}

// FindGroup returns the group conversation with the given id.
func (s *Service) FindGroup(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	if conversationID <= 0 {
		return nil, errs.ErrArgs.WrapMsg("conversationId required")
	}
	conv, err := cache.GetOrLoad(ctx, s.cache, convByIDKey(conversationID), func(ctx context.Context) (*model.Conversation, error) {
		c, err := s.convs.FindByID(ctx, conversationID)
		if errs.ErrNotFound.Is(err) {
			return nil, nil
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	if conv.Type != model.ConversationTypeGroup {
		return nil, errs.ErrArgs.WrapMsg("not a group conversation", "conv", conversationID)
	}
	return conv, nil
}

// EnsureMemberActive guarantees userID has an active membership row,
// creating or restoring one as needed. A peer messaging a user who
// removed the conversation brings it back.
func (s *Service) EnsureMemberActive(ctx context.Context, conversationID, userID int64) error {
	row, err := s.members.FindAny(ctx, conversationID, userID)
	if errs.ErrNotFound.Is(err) {
		m := &model.ConversationMember{
			ConversationID: conversationID,
			UserID:         userID,
			Status:         model.MemberStatusActive,
			JoinTime:       time.Now(),
		}
		err := s.members.Insert(ctx, m)
		if errs.ErrDuplicate.Is(err) {
			err = s.members.Restore(ctx, conversationID, userID)
		}
		if err != nil {
			return err
		}
		s.evictUserConvs(ctx, userID)
		return nil
	}
	if err != nil {
		return err
	}
	if row.Status != model.MemberStatusActive {
		if err := s.members.Restore(ctx, conversationID, userID); err != nil {
			return err
		}
		s.evictUserConvs(ctx, userID)
	}
	return nil
}

func (s *Service) evictUserConvs(ctx context.Context, userID int64) {
	if err := s.cache.Evict(ctx, userConvsKey(userID)); err != nil {
		logger.Warnf("[conversation] conv list evict failed user=%d err=%v", userID, err)
	}
}

// IsActiveMember reports whether userID is an active member of the
// conversation.
func (s *Service) IsActiveMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	row, err := s.members.FindAny(ctx, conversationID, userID)
	if errs.ErrNotFound.Is(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Status == model.MemberStatusActive, nil
}

// MemberUserIDs returns the active member ids of a conversation.
func (s *Service) MemberUserIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.members.ListActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.UserID)
	}
	return out, nil
}

// ListConversationIDs returns the conversations userID participates in.
// The list is served from a redis hash and rebuilt from the membership
// table on a miss; membership writes evict it.
func (s *Service) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	m, err := s.cache.GetOrLoadHash(ctx, userConvsKey(userID), func(ctx context.Context) (map[string]string, error) {
		ids, err := s.members.ListConversationIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(ids))
		for _, id := range ids {
			out[strconv.FormatInt(id, 10)] = "1"
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(m))
	for field := range m {
		id, perr := strconv.ParseInt(field, 10, 64)
		if perr != nil {
			logger.Warnf("[conversation] bad conv list field user=%d field=%q", userID, field)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
