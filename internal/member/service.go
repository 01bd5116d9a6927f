package member

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// badgeTimeout bounds how long a QR change waits on the badge queue.
const badgeTimeout = 2 * time.Second

// ErrDuplicateExternalID is returned when an external id is already taken.
var ErrDuplicateExternalID = errors.New("external id already registered")

// Store is the persistence the member service needs.
type Store interface {
	Finder
	GetMember(ctx context.Context, id string) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
	CreateMember(ctx context.Context, m Member) (Member, error)
	UpdateMember(ctx context.Context, id string, u Update) (Member, error)
}

// BadgeRequester is notified when a member's QR payload changes so that a
// printable badge can be rendered out of band.
type BadgeRequester interface {
	RequestBadge(ctx context.Context, memberID string) error
}

// Service manages member records and QR payload issuance.
type Service struct {
	store        Store
	codec        Codec
	badges       BadgeRequester
	badgeTimeout time.Duration
}

// NewService creates a member service. badges may be nil.
func NewService(store Store, codec Codec, badges BadgeRequester) *Service {
	return &Service{store: store, codec: codec, badges: badges, badgeTimeout: badgeTimeout}
}

// Codec returns the payload codec in use.
func (s *Service) Codec() Codec { return s.codec }

// Get returns a member by id.
func (s *Service) Get(ctx context.Context, id string) (Member, error) {
	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if m == nil {
		return Member{}, ErrNotFound
	}
	return *m, nil
}

// List returns all members.
func (s *Service) List(ctx context.Context) ([]Member, error) {
	return s.store.ListMembers(ctx)
}

// Create registers a member record. ID and timestamps are assigned by the store.
func (s *Service) Create(ctx context.Context, m Member) (Member, error) {
	m.ExternalID = strings.TrimSpace(m.ExternalID)
	if m.Role == "" {
		m.Role = RoleMember
	}
	if err := m.Validate(); err != nil {
		return Member{}, err
	}
	existing, err := s.store.FindMemberByExternalID(ctx, m.ExternalID)
	if err != nil {
		return Member{}, err
	}
	if existing != nil {
		return Member{}, ErrDuplicateExternalID
	}
	m.ID = ""
	m.QRPayload = ""
	return s.store.CreateMember(ctx, m)
}

// UpdateProfile applies a profile edit. Changing the external id of a member
// who already holds a payload reissues the payload so it stays bound to the
// new id.
func (s *Service) UpdateProfile(ctx context.Context, id string, u Update) (Member, error) {
	if u.Empty() {
		return s.Get(ctx, id)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if u.ExternalID != nil {
		trimmed := strings.TrimSpace(*u.ExternalID)
		u.ExternalID = &trimmed
	}
	next := u.Apply(current)
	if err := next.Validate(); err != nil {
		return Member{}, err
	}

	reissue := false
	if next.ExternalID != current.ExternalID {
		other, err := s.store.FindMemberByExternalID(ctx, next.ExternalID)
		if err != nil {
			return Member{}, err
		}
		if other != nil && other.ID != id {
			return Member{}, ErrDuplicateExternalID
		}
		if current.QRPayload != "" && u.QRPayload == nil {
			payload, err := s.codec.Issue(next)
			if err != nil {
				return Member{}, err
			}
			u.QRPayload = &payload
			reissue = true
		}
	}

	updated, err := s.store.UpdateMember(ctx, id, u)
	if err != nil {
		return Member{}, err
	}
	if reissue {
		s.requestBadge(ctx, updated.ID)
	}
	return updated, nil
}

// IssueQR generates (or regenerates) the member's payload and stores it.
func (s *Service) IssueQR(ctx context.Context, id string) (Member, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return Member{}, err
	}
	payload, err := s.codec.Issue(m)
	if err != nil {
		return Member{}, fmt.Errorf("issue payload: %w", err)
	}
	updated, err := s.store.UpdateMember(ctx, id, Update{QRPayload: &payload})
	if err != nil {
		return Member{}, err
	}
	s.requestBadge(ctx, updated.ID)
	return updated, nil
}

func (s *Service) requestBadge(ctx context.Context, memberID string) {
	if s.badges == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.badgeTimeout)
	defer cancel()
	if err := s.badges.RequestBadge(ctx, memberID); err != nil {
		log.Printf("badge request for member %s failed: %v", memberID, err)
	}
}
