// Package presence maintains the cross-room online/away/busy/offline table,
// driven purely by broadcast envelopes from the backend. Consumers only
// read; there is no write API.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/gatherline/realtime/model"
)

type Config struct {
	Logger *zerolog.Logger
}

type Service struct {
	logger zerolog.Logger

	mx       sync.Mutex
	statuses map[string]model.Status
}

func New(cfg Config) *Service {
	return &Service{
		logger:   cfg.Logger.With().Str("component", "presence").Logger(),
		statuses: make(map[string]model.Status),
	}
}

// HandleEnvelope applies a presence-update broadcast. Envelopes of other
// types, or with unknown status values, are ignored.
func (s *Service) HandleEnvelope(env model.Envelope) {
	if env.Type != model.TypePresenceUpdate || env.UserID == "" {
		return
	}
	if !env.Data.Status.Valid() {
		s.logger.Debug().
			Str("userID", env.UserID).
			Str("status", string(env.Data.Status)).
			Msg("presence update with unknown status ignored")
		return
	}

	s.mx.Lock()
	s.statuses[env.UserID] = env.Data.Status
	s.mx.Unlock()

	s.logger.Trace().
		Str("userID", env.UserID).
		Str("status", string(env.Data.Status)).
		Msg("presence updated")
}

// Status returns the known status for a user. Unknown users are offline by
// convention.
func (s *Service) Status(userID string) model.Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	if status, ok := s.statuses[userID]; ok {
		return status
	}
	return model.StatusOffline
}

// Statuses returns a copy of the full status table.
func (s *Service) Statuses() map[string]model.Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make(map[string]model.Status, len(s.statuses))
	for userID, status := range s.statuses {
		out[userID] = status
	}
	return out
}

// OnlineUsers returns the ids of every user whose status is not offline,
// sorted. The view is recomputed from the status table on each call rather
// than maintained separately.
func (s *Service) OnlineUsers() []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	online := lo.OmitBy(s.statuses, func(_ string, status model.Status) bool {
		return status == model.StatusOffline
	})
	out := lo.Keys(online)
	sort.Strings(out)
	return out
}
