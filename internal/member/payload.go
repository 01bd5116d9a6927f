package member

import (
	"errors"
	"strings"
)

// DefaultPrefix is the system prefix for issued QR payloads.
const DefaultPrefix = "IBACMI_LAB"

// ErrMalformedPayload is returned for strings that are not issued payloads.
var ErrMalformedPayload = errors.New("malformed qr payload")

// Payload is the decoded form of "<prefix>_<externalId>_<memberId>".
type Payload struct {
	ExternalID string
	MemberID   string
}

// Codec issues and decodes payloads for one system prefix.
type Codec struct {
	prefix string
}

// NewCodec returns a codec; an empty prefix uses DefaultPrefix.
func NewCodec(prefix string) Codec {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Codec{prefix: prefix}
}

// Prefix returns the system prefix.
func (c Codec) Prefix() string { return c.prefix }

// Issue builds the payload for a stored member.
func (c Codec) Issue(m Member) (string, error) {
	if m.ID == "" {
		return "", errors.New("member id required")
	}
	if strings.Contains(m.ID, "_") {
		return "", errors.New("member id must not contain '_'")
	}
	if err := ValidateExternalID(m.ExternalID); err != nil {
		return "", err
	}
	return c.prefix + "_" + m.ExternalID + "_" + m.ID, nil
}

// Decode extracts the external id and member id. The member id is the text
// after the last underscore, so external ids may themselves contain '_'.
func (c Codec) Decode(s string) (Payload, error) {
	rest, ok := strings.CutPrefix(s, c.prefix+"_")
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return Payload{}, ErrMalformedPayload
	}
	p := Payload{ExternalID: rest[:i], MemberID: rest[i+1:]}
	if ValidateExternalID(p.ExternalID) != nil {
		return Payload{}, ErrMalformedPayload
	}
	return p, nil
}

// BadgeFilename is the download name of a member's QR badge.
func (c Codec) BadgeFilename(m Member) string {
	return c.prefix + "_QR_" + m.ExternalID + ".png"
}
