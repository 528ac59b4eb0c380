// Package archive keeps verification evidence: the pipeline enqueues the
// submitted image and a worker uploads it to object storage.
package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"eventsync/internal/cloudinary"
	"eventsync/internal/observability"
	"eventsync/internal/queue"
	"eventsync/internal/verify"
)

// MessageType tags archive jobs on the shared queue.
const MessageType = "evidence"

// Job is one image to archive.
type Job struct {
	Hash          string          `json:"hash"`
	Room          string          `json:"room_id"`
	ParticipantID string          `json:"participant_id"`
	SessionKey    string          `json:"session_key,omitempty"`
	Decision      verify.Decision `json:"decision"`
	MimeType      string          `json:"mime_type,omitempty"`
	Image         []byte          `json:"image"`
	CapturedAt    int64           `json:"captured_at"`
}

// Recorder enqueues evidence for every freshly analyzed image. Cached
// results were archived when first seen.
type Recorder struct {
	q       queue.Queue
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(q queue.Queue) *Recorder {
	return &Recorder{q: q, timeout: 2 * time.Second, now: time.Now}
}

// Observe implements verify.Observer.
func (r *Recorder) Observe(ctx context.Context, req verify.Request, out verify.Outcome, _ error) {
	if out.Cached || out.Hash == "" {
		return
	}
	msg, err := queue.NewMessage(MessageType, Job{
		Hash:          out.Hash,
		Room:          req.Room,
		ParticipantID: req.ParticipantID,
		SessionKey:    out.SessionKey,
		Decision:      out.Decision,
		MimeType:      req.MimeType,
		Image:         req.Image,
		CapturedAt:    r.now().UnixMilli(),
	})
	if err != nil {
		log.Error().Str("module", "archive").Err(err).Msg("encode job")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.q.Publish(ctx, msg); err != nil {
		observability.IncArchiveJob("enqueue_failed")
		log.Warn().Str("module", "archive").Str("hash", out.Hash).Err(err).Msg("enqueue failed")
		return
	}
	observability.IncArchiveJob("enqueued")
}

// Uploader stores one image.
type Uploader interface {
	UploadBytes(ctx context.Context, up cloudinary.Upload) (*cloudinary.UploadResult, error)
}

// Worker drains the queue into the uploader.
type Worker struct {
	q        queue.Queue
	uploader Uploader
}

func NewWorker(q queue.Queue, uploader Uploader) *Worker {
	return &Worker{q: q, uploader: uploader}
}

// Run processes jobs until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("module", "archive").Msg("worker started")
	for msg := range messages {
		if msg.Type != MessageType {
			continue
		}
		var job Job
		if err := msg.Decode(&job); err != nil {
			observability.IncArchiveJob("malformed")
			log.Warn().Str("module", "archive").Err(err).Msg("malformed job")
			continue
		}
		w.process(ctx, job)
	}
	log.Info().Str("module", "archive").Msg("worker stopped")
	return nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	res, err := w.uploader.UploadBytes(ctx, cloudinary.Upload{
		Data:     job.Image,
		Filename: job.Hash + extension(job.MimeType),
		PublicID: job.Room + "/" + job.ParticipantID + "/" + job.Hash,
		Context: map[string]string{
			"decision": string(job.Decision),
			"session":  job.SessionKey,
		},
	})
	if err != nil {
		observability.IncArchiveJob("upload_failed")
		log.Warn().Str("module", "archive").Str("hash", job.Hash).Err(err).Msg("upload failed")
		return
	}
	observability.IncArchiveJob("uploaded")
	log.Info().Str("module", "archive").
		Str("hash", job.Hash).
		Str("room", job.Room).
		Str("url", res.SecureURL).
		Msg("evidence archived")
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	default:
		return ".jpg"
	}
}
