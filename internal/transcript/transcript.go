// Package transcript records the ordered dialogue of a call.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

var ErrInvalidTurn = errors.New("invalid turn")

type Store struct {
	turns store.Turns
	log   *zap.Logger
	now   func() time.Time
}

func New(turns store.Turns, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{turns: turns, log: log, now: time.Now}
}

// Append stores t unless a turn with the same (call_id, seq) exists. It
// reports whether the turn was new.
func (s *Store) Append(ctx context.Context, t models.Turn) (bool, error) {
	if strings.TrimSpace(t.CallID) == "" || t.Seq < models.OpeningTurnSeq {
		return false, fmt.Errorf("%w: call_id=%q seq=%d", ErrInvalidTurn, t.CallID, t.Seq)
	}
	if t.Speaker == "" {
		t.Speaker = models.SpeakerSystem
	}
	if t.Modality == "" {
		t.Modality = models.ModalitySpeech
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	added, err := s.turns.AppendTurn(ctx, t)
	if err != nil {
		return false, fmt.Errorf("append turn: %w", err)
	}
	if !added {
		s.log.Debug("turn already recorded", zap.String("call_id", t.CallID), zap.Int("seq", t.Seq))
	}
	return added, nil
}

// Read returns the turns of a call ordered by sequence.
func (s *Store) Read(ctx context.Context, callID string) ([]models.Turn, error) {
	turns, err := s.turns.ListTurns(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return turns, nil
}

// Turn returns the turn at seq, or store.ErrNotFound.
func (s *Store) Turn(ctx context.Context, callID string, seq int) (*models.Turn, error) {
	turns, err := s.Read(ctx, callID)
	if err != nil {
		return nil, err
	}
	for i := range turns {
		if turns[i].Seq == seq {
			return &turns[i], nil
		}
	}
	return nil, store.ErrNotFound
}
