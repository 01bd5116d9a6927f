// Package member holds lab member records, the QR payload scheme and the
// resolver that maps scanned input back to a member.
package member

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no member matches.
var ErrNotFound = errors.New("member not found")

// Finder looks a member up by external id, returning (nil, nil) when absent.
type Finder interface {
	FindMemberByExternalID(ctx context.Context, externalID string) (*Member, error)
}

// Resolver maps a scanned payload, or a bare external id typed in by hand,
// to a stored member. It never creates members.
type Resolver struct {
	finder Finder
	codec  Codec
	strict bool
}

// NewResolver creates a resolver. With strict set, a payload whose member id
// suffix does not match the stored member is treated as unknown.
func NewResolver(finder Finder, codec Codec, strict bool) *Resolver {
	return &Resolver{finder: finder, codec: codec, strict: strict}
}

// Resolve tries the input as an external id first, then as a payload.
// Lookup errors are returned as-is; only a clean miss yields ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, input string) (Member, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Member{}, ErrNotFound
	}

	if ValidateExternalID(input) == nil {
		m, err := r.finder.FindMemberByExternalID(ctx, input)
		if err != nil {
			return Member{}, err
		}
		if m != nil {
			return *m, nil
		}
	}

	p, err := r.codec.Decode(input)
	if err != nil {
		return Member{}, ErrNotFound
	}
	m, err := r.finder.FindMemberByExternalID(ctx, p.ExternalID)
	if err != nil {
		return Member{}, err
	}
	if m == nil {
		return Member{}, ErrNotFound
	}
	if r.strict && m.ID != p.MemberID {
		return Member{}, ErrNotFound
	}
	return *m, nil
}
