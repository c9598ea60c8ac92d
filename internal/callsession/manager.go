// Package callsession owns the lifecycle of individual calls: placing them,
// applying provider callbacks exactly once, and driving the conversation.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"voip-notify/internal/conversation"
	"voip-notify/internal/events"
	"voip-notify/internal/gateway"
	"voip-notify/internal/metrics"
	"voip-notify/internal/models"
	"voip-notify/internal/store"
	"voip-notify/internal/transcript"
)

var (
	ErrUnknownCall = errors.New("unknown call")
	// ErrMissingRound is returned for input events without a gather round.
	ErrMissingRound = errors.New("input event without gather round")
)

// Observer is told about settled calls. Callbacks run while the call is
// locked and must not call back into the Manager for the same call.
type Observer interface {
	CallConfirmed(ctx context.Context, sess models.CallSession)
	CallEnded(ctx context.Context, sess models.CallSession)
}

type PlaceRequest struct {
	Target          string
	CallType        models.CallType
	TaskKind        models.TaskKind
	TaskDescription string
	CampaignID      *int64
	ReminderID      *int64
	Attempt         int
}

// Reply is what the provider gets back for a callback.
type Reply struct {
	Document []byte
	// Applied is false when the callback was a duplicate or stale.
	Applied bool
	Session models.CallSession
}

type entry struct {
	mu      sync.Mutex
	sess    *models.CallSession
	done    chan struct{}
	closed  bool
	evicted bool
}

func (e *entry) closeDone() {
	if !e.closed {
		close(e.done)
		e.closed = true
	}
}

type Manager struct {
	sessions   store.Sessions
	transcript *transcript.Store
	gw         gateway.Gateway
	engine     *conversation.Engine
	pub        events.Publisher
	clock      clockwork.Clock
	opts       Options
	log        *zap.Logger
	tracer     trace.Tracer

	mu        sync.Mutex
	entries   map[string]*entry
	observers []Observer
}

type Deps struct {
	Sessions   store.Sessions
	Transcript *transcript.Store
	Gateway    gateway.Gateway
	Engine     *conversation.Engine
	Publisher  events.Publisher
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

func NewManager(d Deps, opts Options) *Manager {
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 15
	}
	return &Manager{
		sessions:   d.Sessions,
		transcript: d.Transcript,
		gw:         d.Gateway,
		engine:     d.Engine,
		pub:        d.Publisher,
		clock:      d.Clock,
		opts:       opts,
		log:        d.Logger,
		tracer:     otel.Tracer("voip-notify/callsession"),
		entries:    make(map[string]*entry),
	}
}

func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) snapshotObservers() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer(nil), m.observers...)
}

// PlaceCall starts an outbound call and returns the persisted session and
// the opening document sent to the provider.
func (m *Manager) PlaceCall(ctx context.Context, req PlaceRequest) (_ *models.CallSession, _ []byte, err error) {
	ctx, span := m.tracer.Start(ctx, "callsession.PlaceCall",
		trace.WithAttributes(attribute.String("call.type", string(req.CallType)), attribute.Int("call.attempt", req.Attempt)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := m.clock.Now().UTC()
	sess := &models.CallSession{
		CampaignID:      req.CampaignID,
		ReminderID:      req.ReminderID,
		Attempt:         req.Attempt,
		Target:          req.Target,
		CallType:        req.CallType,
		TaskKind:        req.TaskKind,
		TaskDescription: req.TaskDescription,
		State:           models.CallInitiated,
		InitiatedAt:     now,
		UpdatedAt:       now,
	}

	opening := m.engine.Opening(sess)
	doc, err := m.opts.render(opening, 1)
	if err != nil {
		return nil, nil, err
	}

	callID, err := m.gw.MakeCall(ctx, req.Target, doc)
	if err != nil {
		m.log.Warn("place call failed",
			zap.String("target", req.Target), zap.Int("attempt", req.Attempt), zap.Error(err))
		return nil, doc, fmt.Errorf("place call: %w", err)
	}
	sess.CallID = callID
	span.SetAttributes(attribute.String("call.id", callID))

	// Register and lock before persisting so early callbacks wait for us.
	e := &entry{done: make(chan struct{})}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.mu.Lock()
	m.entries[callID] = e
	m.mu.Unlock()

	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		e.evicted = true
		m.remove(callID, e)
		return nil, doc, fmt.Errorf("persist call session: %w", err)
	}

	ringing := *sess
	ringing.State = models.CallRinging
	ringing.UpdatedAt = m.clock.Now().UTC()
	if err := m.sessions.UpdateSession(ctx, &ringing); err != nil {
		m.log.Warn("failed to mark call ringing", zap.String("call_id", callID), zap.Error(err))
	} else {
		sess = &ringing
	}
	e.sess = sess

	if _, err := m.transcript.Append(ctx, models.Turn{
		CallID:  callID,
		Seq:     models.OpeningTurnSeq,
		Speaker: models.SpeakerSystem,
		Content: spoken(opening),
	}); err != nil {
		m.log.Warn("failed to record opening turn", zap.String("call_id", callID), zap.Error(err))
	}

	ev := events.New(events.CallPlaced)
	ev.CallID = callID
	ev.Attempt = req.Attempt
	ev.State = string(sess.State)
	if req.ReminderID != nil {
		ev.ReminderID = *req.ReminderID
	}
	if req.CampaignID != nil {
		ev.CampaignID = *req.CampaignID
	}
	m.publish(ctx, ev)

	m.log.Info("call placed",
		zap.String("call_id", callID), zap.String("call_type", string(req.CallType)), zap.Int("attempt", req.Attempt))
	out := *sess
	return &out, doc, nil
}

// HandleCallback applies a provider callback at most once and returns the
// document to answer it with.
func (m *Manager) HandleCallback(ctx context.Context, ev Event) (_ Reply, err error) {
	ctx, span := m.tracer.Start(ctx, "callsession.HandleCallback",
		trace.WithAttributes(attribute.String("call.id", ev.CallID), attribute.String("event.type", string(ev.Type))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if ev.IsInput() && ev.Sequence < 1 {
		return Reply{}, fmt.Errorf("%w: %s on %s", ErrMissingRound, ev.Type, ev.CallID)
	}

	e, err := m.acquire(ctx, ev.CallID)
	if err != nil {
		return Reply{}, err
	}
	defer e.mu.Unlock()

	var reply Reply
	if ev.IsInput() {
		reply, err = m.applyInput(ctx, e, ev)
	} else {
		reply, err = m.applyStatus(ctx, e, ev)
	}
	if err != nil {
		return Reply{}, err
	}

	metrics.Callbacks.WithLabelValues(string(ev.Type), strconv.FormatBool(reply.Applied)).Inc()
	reply.Session = *e.sess
	if e.sess.State.Terminal() {
		e.evicted = true
		m.remove(ev.CallID, e)
	}
	return reply, nil
}

func (m *Manager) applyStatus(ctx context.Context, e *entry, ev Event) (Reply, error) {
	reply := Reply{Document: emptyDocument()}
	next, ok := ev.state()
	if !ok {
		return reply, fmt.Errorf("unsupported event type %q", ev.Type)
	}

	cur := e.sess
	if cur.State.Terminal() {
		m.log.Debug("ignoring callback for finished call", zap.String("call_id", cur.CallID), zap.String("event", string(ev.Type)))
		return reply, nil
	}
	if !next.Terminal() && next.Rank() <= cur.State.Rank() {
		m.log.Debug("ignoring stale status", zap.String("call_id", cur.CallID),
			zap.String("state", string(cur.State)), zap.String("event", string(ev.Type)))
		return reply, nil
	}

	fresh, err := m.sessions.RecordEvent(ctx, cur.CallID, ev.Key(0))
	if err != nil {
		return reply, err
	}
	if !fresh {
		return reply, nil
	}

	upd := *cur
	upd.State = next
	upd.UpdatedAt = m.clock.Now().UTC()
	if next.Terminal() {
		completed := upd.UpdatedAt
		upd.CompletedAt = &completed
		if upd.Result == models.ResultNone {
			upd.Result = models.ResultUnconfirmed
		}
	}
	if next == models.CallFailed {
		upd.ErrorKind = ev.ErrorKind
		if upd.ErrorKind == models.ErrorNone {
			upd.ErrorKind = models.ErrorTransient
			if ev.Type == EventError {
				upd.ErrorKind = models.ErrorFatal
			}
		}
		if msg := errorText(ev); msg != "" {
			upd.ErrorMessage = &msg
		}
	}

	if err := m.sessions.UpdateSession(ctx, &upd); err != nil {
		return reply, fmt.Errorf("update call session: %w", err)
	}
	e.sess = &upd
	reply.Applied = true

	m.log.Info("call status changed",
		zap.String("call_id", upd.CallID), zap.String("from", string(cur.State)), zap.String("to", string(upd.State)))

	if next.Terminal() {
		e.closeDone()
		m.ended(ctx, upd)
	}
	return reply, nil
}

func (m *Manager) applyInput(ctx context.Context, e *entry, ev Event) (Reply, error) {
	cur := e.sess
	round := ev.Sequence

	if round <= cur.Round {
		return m.replay(ctx, cur, round)
	}
	if cur.Settled() || cur.Result == models.ResultUnconfirmed {
		doc, err := m.opts.renderHangup("")
		return Reply{Document: doc}, err
	}

	fresh, err := m.sessions.RecordEvent(ctx, cur.CallID, ev.Key(round))
	if err != nil {
		return Reply{}, err
	}
	if !fresh {
		// Recorded by an earlier delivery. Replay if that delivery got as far
		// as the reply, otherwise finish applying it.
		if _, err := m.transcript.Turn(ctx, cur.CallID, models.ReplyTurnSeq(round)); err == nil {
			return m.replay(ctx, cur, round)
		}
	}

	history, err := m.transcript.Read(ctx, cur.CallID)
	if err != nil {
		return Reply{}, err
	}

	upd := *cur
	upd.Round = round
	upd.UpdatedAt = m.clock.Now().UTC()
	if upd.State == models.CallInitiated || upd.State == models.CallRinging {
		upd.State = models.CallInProgress
	}

	in := conversation.Input{Digits: ev.Digits, Speech: ev.Speech}
	if ev.Type == EventTimeout {
		in = conversation.Input{}
	}
	d := m.engine.NextTurn(ctx, &upd, history, in)

	switch d.Action {
	case conversation.ActionConfirm:
		upd.Result = models.ResultConfirmed
	case conversation.ActionHangup:
		upd.Result = models.ResultUnconfirmed
	}
	if d.Reprompt {
		upd.Reprompts++
	}

	if !in.Empty() {
		if _, err := m.transcript.Append(ctx, models.Turn{
			CallID:   upd.CallID,
			Seq:      models.HumanTurnSeq(round),
			Speaker:  models.SpeakerHuman,
			Modality: in.Modality(),
			Content:  in.Content(),
		}); err != nil {
			return Reply{}, err
		}
	}
	if _, err := m.transcript.Append(ctx, models.Turn{
		CallID:  upd.CallID,
		Seq:     models.ReplyTurnSeq(round),
		Speaker: models.SpeakerSystem,
		Content: spoken(d),
	}); err != nil {
		return Reply{}, err
	}

	if err := m.sessions.UpdateSession(ctx, &upd); err != nil {
		return Reply{}, fmt.Errorf("update call session: %w", err)
	}
	e.sess = &upd

	m.log.Info("call input applied",
		zap.String("call_id", upd.CallID), zap.Int("round", round),
		zap.String("modality", string(in.Modality())), zap.String("action", string(d.Action)))

	if d.Action == conversation.ActionConfirm {
		e.closeDone()
		m.confirmed(ctx, upd)
	}

	doc, err := m.opts.render(d, round+1)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Document: doc, Applied: true}, nil
}

// replay re-renders the answer to an already applied round from the transcript.
func (m *Manager) replay(ctx context.Context, sess *models.CallSession, round int) (Reply, error) {
	turn, err := m.transcript.Turn(ctx, sess.CallID, models.ReplyTurnSeq(round))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			doc, rerr := m.opts.renderHangup("")
			return Reply{Document: doc}, rerr
		}
		return Reply{}, err
	}

	m.log.Debug("replaying answered round", zap.String("call_id", sess.CallID), zap.Int("round", round))
	ended := round == sess.Round && (sess.Result != models.ResultNone || sess.State.Terminal())
	var doc []byte
	if ended {
		doc, err = m.opts.renderHangup(turn.Content)
	} else {
		doc, err = m.opts.renderGather(turn.Content, round+1)
	}
	return Reply{Document: doc}, err
}

// Get returns the current session state.
func (m *Manager) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	e, err := m.acquire(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	out := *e.sess
	return &out, nil
}

// Outcome is Get under the name the orchestrator uses after Done fires.
func (m *Manager) Outcome(ctx context.Context, callID string) (*models.CallSession, error) {
	return m.Get(ctx, callID)
}

// Done returns a channel closed once the call is confirmed or terminal.
func (m *Manager) Done(ctx context.Context, callID string) (<-chan struct{}, error) {
	e, err := m.acquire(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.done, nil
}

// Transcript returns the call's turns in order.
func (m *Manager) Transcript(ctx context.Context, callID string) ([]models.Turn, error) {
	if _, err := m.Get(ctx, callID); err != nil {
		return nil, err
	}
	return m.transcript.Read(ctx, callID)
}

// acquire returns the locked entry for callID, loading it from the store
// when this process has not seen the call yet.
func (m *Manager) acquire(ctx context.Context, callID string) (*entry, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[callID]
		if !ok {
			e = &entry{done: make(chan struct{})}
			m.entries[callID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if e.sess != nil {
			return e, nil
		}

		sess, err := m.sessions.GetSession(ctx, callID)
		if err != nil {
			e.evicted = true
			m.remove(callID, e)
			e.mu.Unlock()
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
			}
			return nil, fmt.Errorf("load call session: %w", err)
		}
		e.sess = sess
		if sess.Settled() {
			e.closeDone()
		}
		return e, nil
	}
}

func (m *Manager) remove(callID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[callID] == e {
		delete(m.entries, callID)
	}
}

func (m *Manager) confirmed(ctx context.Context, sess models.CallSession) {
	ev := sessionEvent(events.CallConfirmed, sess)
	m.publish(ctx, ev)
	for _, o := range m.snapshotObservers() {
		o.CallConfirmed(ctx, sess)
	}
}

func (m *Manager) ended(ctx context.Context, sess models.CallSession) {
	ev := sessionEvent(events.CallEnded, sess)
	m.publish(ctx, ev)
	for _, o := range m.snapshotObservers() {
		o.CallEnded(ctx, sess)
	}
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.log.Warn("failed to publish call event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func sessionEvent(t events.Type, sess models.CallSession) events.Event {
	ev := events.New(t)
	ev.CallID = sess.CallID
	ev.Attempt = sess.Attempt
	ev.State = string(sess.State)
	if sess.Result != models.ResultNone {
		ev.Detail = string(sess.Result)
	}
	if sess.ReminderID != nil {
		ev.ReminderID = *sess.ReminderID
	}
	if sess.CampaignID != nil {
		ev.CampaignID = *sess.CampaignID
	}
	return ev
}

func errorText(ev Event) string {
	switch {
	case ev.ErrorMessage != "" && ev.ErrorCode != 0:
		return fmt.Sprintf("%d: %s", ev.ErrorCode, ev.ErrorMessage)
	case ev.ErrorMessage != "":
		return ev.ErrorMessage
	case ev.ErrorCode != 0:
		return strconv.Itoa(ev.ErrorCode)
	}
	return ""
}
