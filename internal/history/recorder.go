package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/pullguard/internal/controller"
)

// Recorder writes each session to the store when it ends. Write failures
// are logged and never affect the session.
type Recorder struct {
	controller.NopObserver
	store *Store
	log   zerolog.Logger
}

func NewRecorder(store *Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: logger}
}

func (r *Recorder) SessionEnded(s *controller.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.RecordSession(ctx, s); err != nil {
		r.log.Error().Str("op", "history/record").Err(err).Msg("failed to record session history")
		return
	}
	r.log.Debug().Str("op", "history/record").Msgf("recorded session %s", s.ID)
}
