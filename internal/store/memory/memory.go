// Package memory is an in-process store.Store used by tests and single-node
// development runs. Records are copied in and out so callers never share
// mutable state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"voip-notify/internal/models"
	"voip-notify/internal/store"
)

type Store struct {
	mu sync.Mutex

	nextReminderID int64
	nextCampaignID int64

	reminders map[int64]models.Reminder
	campaigns map[int64]models.WakeupCampaign
	sessions  map[string]models.CallSession
	events    map[string]map[string]struct{}
	turns     map[string]map[int]models.Turn
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		reminders: make(map[int64]models.Reminder),
		campaigns: make(map[int64]models.WakeupCampaign),
		sessions:  make(map[string]models.CallSession),
		events:    make(map[string]map[string]struct{}),
		turns:     make(map[string]map[int]models.Turn),
	}
}

func (s *Store) CreateReminder(_ context.Context, r *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextReminderID++
	r.ID = s.nextReminderID
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = models.ReminderPending
	}
	s.reminders[r.ID] = copyReminder(*r)
	return nil
}

func (s *Store) GetReminder(_ context.Context, id int64) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyReminder(r)
	return &out, nil
}

func (s *Store) ListReminders(_ context.Context, ownerID int64) ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reminder
	for _, r := range s.reminders {
		if r.OwnerID == ownerID {
			out = append(out, copyReminder(r))
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *Store) RemindersByStatus(_ context.Context, status models.ReminderStatus) ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reminder
	for _, r := range s.reminders {
		if r.Status == status {
			out = append(out, copyReminder(r))
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *Store) DueReminders(_ context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reminder
	for _, r := range s.reminders {
		if r.Status == models.ReminderPending && !r.ScheduledAt.After(now) {
			out = append(out, copyReminder(r))
		}
	}
	sortReminders(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimReminder(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != models.ReminderPending || r.ScheduledAt.After(now) {
		return false, nil
	}
	r.Status = models.ReminderDispatching
	r.UpdatedAt = now
	s.reminders[id] = r
	return true, nil
}

func statusIn(st models.ReminderStatus, from []models.ReminderStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if st == f {
			return true
		}
	}
	return false
}

func (s *Store) SetReminderStatus(_ context.Context, id int64, status models.ReminderStatus, from ...models.ReminderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return store.ErrNotFound
	}
	if !statusIn(r.Status, from) {
		return store.ErrStateConflict
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	s.reminders[id] = r
	return nil
}

func (s *Store) RescheduleReminder(_ context.Context, id int64, at time.Time, retryCount int, from ...models.ReminderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return store.ErrNotFound
	}
	if retryCount > r.MaxRetries || !statusIn(r.Status, from) {
		return store.ErrStateConflict
	}
	r.Status = models.ReminderPending
	r.ScheduledAt = at.UTC()
	r.RetryCount = retryCount
	r.UpdatedAt = time.Now().UTC()
	s.reminders[id] = r
	return nil
}

func (s *Store) DeleteReminder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reminders[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.reminders, id)
	for cid, c := range s.campaigns {
		if c.ReminderID == id {
			delete(s.campaigns, cid)
		}
	}
	return nil
}

func (s *Store) CreateCampaign(_ context.Context, c *models.WakeupCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.campaigns {
		if existing.ReminderID == c.ReminderID && existing.State == models.CampaignActive {
			return store.ErrCampaignActive
		}
	}
	s.nextCampaignID++
	c.ID = s.nextCampaignID
	c.State = models.CampaignActive
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	s.campaigns[c.ID] = copyCampaign(*c)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id int64) (*models.WakeupCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyCampaign(c)
	return &out, nil
}

func (s *Store) ActiveCampaign(_ context.Context, reminderID int64) (*models.WakeupCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.campaigns {
		if c.ReminderID == reminderID && c.State == models.CampaignActive {
			out := copyCampaign(c)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ActiveCampaigns(_ context.Context) ([]models.WakeupCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WakeupCampaign
	for _, c := range s.campaigns {
		if c.State == models.CampaignActive {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ConfirmableCampaign(_ context.Context, target string) (*models.WakeupCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.WakeupCampaign
	for _, c := range s.campaigns {
		if c.State != models.CampaignActive && c.State != models.CampaignFallbackSent {
			continue
		}
		r, ok := s.reminders[c.ReminderID]
		if !ok || r.Target != target {
			continue
		}
		if best == nil || c.ID > best.ID {
			cp := copyCampaign(c)
			best = &cp
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) UpdateCampaignProgress(_ context.Context, c *models.WakeupCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.campaigns[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.State != models.CampaignActive || c.Attempt > existing.MaxAttempts {
		return store.ErrStateConflict
	}
	existing.Attempt = c.Attempt
	existing.CurrentCallID = copyString(c.CurrentCallID)
	existing.NextAttemptAt = copyTime(c.NextAttemptAt)
	existing.LastError = copyString(c.LastError)
	s.campaigns[c.ID] = existing
	return nil
}

func (s *Store) FinishCampaign(_ context.Context, id int64, state models.CampaignState, lastError *string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.State != models.CampaignActive {
		return false, nil
	}
	c.State = state
	c.Confirmed = state == models.CampaignConfirmed
	c.NextAttemptAt = nil
	if lastError != nil {
		c.LastError = copyString(lastError)
	}
	finished := at.UTC()
	c.FinishedAt = &finished
	s.campaigns[id] = c
	return true, nil
}

func (s *Store) ConfirmCampaign(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.State != models.CampaignActive && c.State != models.CampaignFallbackSent {
		return false, nil
	}
	c.State = models.CampaignConfirmed
	c.Confirmed = true
	c.NextAttemptAt = nil
	finished := at.UTC()
	c.FinishedAt = &finished
	s.campaigns[id] = c
	return true, nil
}

func (s *Store) CreateSession(_ context.Context, sess *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.CallID]; ok {
		return store.ErrDuplicateCall
	}
	s.sessions[sess.CallID] = copySession(*sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, callID string) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copySession(sess)
	return &out, nil
}

func (s *Store) UpdateSession(_ context.Context, sess *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.CallID]; !ok {
		return store.ErrNotFound
	}
	s.sessions[sess.CallID] = copySession(*sess)
	return nil
}

func (s *Store) RecordEvent(_ context.Context, callID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.events[callID]
	if !ok {
		seen = make(map[string]struct{})
		s.events[callID] = seen
	}
	if _, dup := seen[key]; dup {
		return false, nil
	}
	seen[key] = struct{}{}
	return true, nil
}

func (s *Store) AppendTurn(_ context.Context, t models.Turn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byseq, ok := s.turns[t.CallID]
	if !ok {
		byseq = make(map[int]models.Turn)
		s.turns[t.CallID] = byseq
	}
	if _, dup := byseq[t.Seq]; dup {
		return false, nil
	}
	byseq[t.Seq] = t
	return true, nil
}

func (s *Store) ListTurns(_ context.Context, callID string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Turn, 0, len(s.turns[callID]))
	for _, t := range s.turns[callID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func sortReminders(rs []models.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ScheduledAt.Equal(rs[j].ScheduledAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].ScheduledAt.Before(rs[j].ScheduledAt)
	})
}

func copyReminder(r models.Reminder) models.Reminder {
	r.Description = copyString(r.Description)
	return r
}

func copyCampaign(c models.WakeupCampaign) models.WakeupCampaign {
	c.CurrentCallID = copyString(c.CurrentCallID)
	c.NextAttemptAt = copyTime(c.NextAttemptAt)
	c.LastError = copyString(c.LastError)
	c.FinishedAt = copyTime(c.FinishedAt)
	return c
}

func copySession(s models.CallSession) models.CallSession {
	s.CampaignID = copyInt64(s.CampaignID)
	s.ReminderID = copyInt64(s.ReminderID)
	s.ErrorMessage = copyString(s.ErrorMessage)
	s.CompletedAt = copyTime(s.CompletedAt)
	return s
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
