// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"voip-notify/internal/gateway"
)

type Call struct {
	ID           string
	To           string
	Instructions []byte
}

type Message struct {
	ID   string
	To   string
	Body string
}

// Fake records every request. Queued errors are returned in FIFO order
// before requests start succeeding again.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	messages []Message
	callErrs []error
	smsErrs  []error
	smsHold  *hold
	placed   chan Call
}

type hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

var _ gateway.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{placed: make(chan Call, 64)}
}

func (f *Fake) FailCalls(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErrs = append(f.callErrs, errs...)
}

func (f *Fake) FailSMS(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smsErrs = append(f.smsErrs, errs...)
}

// HoldSMS parks the next SendSMS until release is called. entered closes
// once that request is parked.
func (f *Fake) HoldSMS() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.smsHold = h
	f.mu.Unlock()
	return h.entered, func() { h.once.Do(func() { close(h.release) }) }
}

func (f *Fake) SendSMS(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	h := f.smsHold
	f.smsHold = nil
	f.mu.Unlock()
	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.smsErrs) > 0 {
		err := f.smsErrs[0]
		f.smsErrs = f.smsErrs[1:]
		return "", err
	}
	msg := Message{ID: fmt.Sprintf("SM%d", len(f.messages)+1), To: to, Body: body}
	f.messages = append(f.messages, msg)
	return msg.ID, nil
}

func (f *Fake) MakeCall(_ context.Context, to string, instructions []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		return "", err
	}
	call := Call{ID: fmt.Sprintf("CA%d", len(f.calls)+1), To: to, Instructions: append([]byte(nil), instructions...)}
	f.calls = append(f.calls, call)
	select {
	case f.placed <- call:
	default:
	}
	return call.ID, nil
}

// Placed delivers each successfully placed call.
func (f *Fake) Placed() <-chan Call { return f.placed }

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}
