package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/deploy"
)

// Writer stores history entries.
type Writer interface {
	Record(ctx context.Context, e Entry) error
}

// Recorder is a deploy observer writing one entry per finished deploy.
// Writes happen on the Run goroutine so deploys never wait on the database.
type Recorder struct {
	w       Writer
	entries chan Entry
	timeout time.Duration
	log     zerolog.Logger
}

// NewRecorder creates a Recorder buffering up to 64 pending entries.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{
		w:       w,
		entries: make(chan Entry, 64),
		timeout: 5 * time.Second,
		log:     log.With().Str("component", "history").Logger(),
	}
}

// EntryFrom converts a terminal transition into an entry.
func EntryFrom(t deploy.Transition) Entry {
	return Entry{
		ID:          t.DeployID,
		ConfigKey:   string(t.ConfigKey),
		OriginalKey: string(t.OriginalKey),
		Outcome:     string(t.Outcome),
		Error:       t.ErrorText(),
		StartedAt:   t.Started,
		FinishedAt:  t.At,
	}
}

// ObserveDeploy implements deploy.Observer.
func (r *Recorder) ObserveDeploy(t deploy.Transition) {
	if !t.Terminal() {
		return
	}
	select {
	case r.entries <- EntryFrom(t):
	default:
		r.log.Warn().Str("deploy_id", t.DeployID).Msg("history buffer full, dropping entry")
	}
}

// Run writes queued entries until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.entries:
			wctx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.w.Record(wctx, e); err != nil {
				r.log.Error().Err(err).Str("deploy_id", e.ID).Msg("failed to record deploy")
			}
			cancel()
		}
	}
}
