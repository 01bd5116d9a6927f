package badge

import (
	"context"
	"fmt"
	"log"

	"labtrack/internal/member"
	"labtrack/internal/queue"
)

// Members is the store surface the worker needs.
type Members interface {
	GetMember(ctx context.Context, id string) (*member.Member, error)
	UpdateMember(ctx context.Context, id string, u member.Update) (member.Member, error)
}

// Observer is told how each job ended.
type Observer interface {
	ObserveBadgeJob(err error)
}

// Worker renders and uploads badges for queued jobs.
type Worker struct {
	members  Members
	codec    member.Codec
	uploader Uploader
	size     int
	observer Observer
}

// NewWorker creates a worker.
func NewWorker(members Members, codec member.Codec, uploader Uploader) *Worker {
	return &Worker{members: members, codec: codec, uploader: uploader, size: DefaultSize}
}

// SetObserver registers o for job results.
func (w *Worker) SetObserver(o Observer) { w.observer = o }

// Run handles messages until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	log.Println("badge worker started, waiting for jobs...")
	for msg := range messages {
		if msg.Type != JobType {
			log.Printf("badge worker: skipping message type %q", msg.Type)
			continue
		}
		url, err := w.Handle(ctx, msg)
		if w.observer != nil {
			w.observer.ObserveBadgeJob(err)
		}
		if err != nil {
			log.Printf("badge job failed: %v", err)
			continue
		}
		log.Printf("badge published: %s", url)
	}
	log.Println("badge worker stopped")
	return nil
}

// Handle processes one job and returns the badge URL.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) (string, error) {
	var job Job
	if err := msg.Decode(&job); err != nil {
		return "", fmt.Errorf("decode job: %w", err)
	}
	m, err := w.members.GetMember(ctx, job.MemberID)
	if err != nil {
		return "", fmt.Errorf("member %s: %w", job.MemberID, err)
	}
	if m == nil {
		return "", fmt.Errorf("member %s: %w", job.MemberID, member.ErrNotFound)
	}
	png, err := Render(m.QRPayload, w.size)
	if err != nil {
		return "", fmt.Errorf("member %s: %w", m.ID, err)
	}
	url, err := w.uploader.Upload(ctx, w.codec.BadgeFilename(*m), png)
	if err != nil {
		return "", fmt.Errorf("upload badge for %s: %w", m.ExternalID, err)
	}
	if _, err := w.members.UpdateMember(ctx, m.ID, member.Update{BadgeURL: &url}); err != nil {
		return "", fmt.Errorf("record badge url for %s: %w", m.ExternalID, err)
	}
	return url, nil
}
