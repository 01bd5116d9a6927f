// Package badge renders member QR badges and publishes them to object
// storage. Rendering is requested through the job queue and performed by the
// worker.
package badge

import (
	"context"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"labtrack/internal/queue"
)

// JobType is the queue message type for badge rendering.
const JobType = "badge.render"

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 512

// ErrNoPayload is returned for members without an issued QR payload.
var ErrNoPayload = errors.New("member has no qr payload")

// Job asks the worker to (re)render one member's badge.
type Job struct {
	MemberID string `json:"member_id"`
}

// Render encodes payload as a QR code PNG.
func Render(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, ErrNoPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Uploader stores a rendered badge under key and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, png []byte) (string, error)
}

// Requester enqueues badge jobs.
type Requester struct {
	q queue.Queue
}

// NewRequester creates a requester publishing to q.
func NewRequester(q queue.Queue) *Requester {
	return &Requester{q: q}
}

// RequestBadge enqueues a render job for memberID.
func (r *Requester) RequestBadge(ctx context.Context, memberID string) error {
	msg, err := queue.NewMessage(JobType, Job{MemberID: memberID})
	if err != nil {
		return err
	}
	return r.q.Publish(ctx, msg)
}
