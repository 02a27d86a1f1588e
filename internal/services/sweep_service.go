package services

import (
	"context"
	"log"
	"time"

	"github.com/Shuvikm/batman-ai-mentor/internal/repository"
)

type sessionCompleter interface {
	CompleteSession(ctx context.Context, sessionID int64) error
}

// SweepService is the periodic collaborator that closes the lifecycle gaps no
// request ever triggers: pending_payment sessions whose confirmation never
// arrived, confirmed sessions nobody joined, and in_progress sessions both
// peers abandoned without an explicit end.
type SweepService struct {
	sessionRepo *repository.SessionRepository
	completer   sessionCompleter

	interval         time.Duration
	pendingTTL       time.Duration
	noShowGrace      time.Duration
	inactivityCutoff time.Duration
}

func NewSweepService(
	sessionRepo *repository.SessionRepository,
	completer sessionCompleter,
	interval time.Duration,
	pendingTTL time.Duration,
	noShowGrace time.Duration,
	inactivityCutoff time.Duration,
) *SweepService {
	return &SweepService{
		sessionRepo:      sessionRepo,
		completer:        completer,
		interval:         interval,
		pendingTTL:       pendingTTL,
		noShowGrace:      noShowGrace,
		inactivityCutoff: inactivityCutoff,
	}
}

func (s *SweepService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *SweepService) Sweep(ctx context.Context) {
	if ids, err := s.sessionRepo.ExpireStalePending(ctx, s.pendingTTL); err != nil {
		log.Printf("sweep: expire stale pending: %v", err)
	} else if len(ids) > 0 {
		log.Printf("sweep: cancelled %d stale pending sessions %v", len(ids), ids)
	}

	if ids, err := s.sessionRepo.MarkNoShows(ctx, s.noShowGrace); err != nil {
		log.Printf("sweep: mark no-shows: %v", err)
	} else if len(ids) > 0 {
		log.Printf("sweep: marked %d sessions no_show %v", len(ids), ids)
	}

	ids, err := s.sessionRepo.ListAbandonedInProgressIDs(ctx, s.inactivityCutoff)
	if err != nil {
		log.Printf("sweep: list abandoned sessions: %v", err)
		return
	}
	for _, id := range ids {
		if err := s.completer.CompleteSession(ctx, id); err != nil {
			log.Printf("sweep: complete abandoned session %d: %v", id, err)
		}
	}
}
