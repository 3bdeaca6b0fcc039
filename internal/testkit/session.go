package testkit

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/session"
)

// SentText records one SendText call.
type SentText struct {
	Session string
	To      string
	Text    string
}

type fakeSession struct {
	req   session.CreateRequest
	state session.State
}

// FakeSessionAPI is an in-memory session.Client. One instance can back every tenant.
type FakeSessionAPI struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	sent     []SentText
	seq      int

	// Ready controls Version; a not-ready API answers with a transient error.
	Ready bool
	// CreateErr is returned by CreateSession when set.
	CreateErr error
	// SendErr, when set, decides the outcome of each SendText call.
	SendErr func(to string) error
	// Deleted lists the names passed to DeleteSession.
	Deleted []string
}

// NewFakeSessionAPI creates a ready fake.
func NewFakeSessionAPI() *FakeSessionAPI {
	return &FakeSessionAPI{sessions: make(map[string]*fakeSession), Ready: true}
}

// Factory adapts the fake to runtime.ClientFactory.
func (f *FakeSessionAPI) Factory(address, apiKey string) session.Client {
	return f
}

func (f *FakeSessionAPI) Version(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Ready {
		return "", apperrors.Transient("fake.Version", "", fmt.Errorf("runtime booting"))
	}
	return "fake-1.0", nil
}

func (f *FakeSessionAPI) CreateSession(ctx context.Context, req session.CreateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Ready {
		return apperrors.Transient("fake.CreateSession", req.Name, fmt.Errorf("runtime booting"))
	}
	if f.CreateErr != nil {
		return f.CreateErr
	}
	if _, ok := f.sessions[req.Name]; ok {
		return apperrors.New("fake.CreateSession", req.Name, apperrors.ErrAlreadyExists, nil)
	}
	f.sessions[req.Name] = &fakeSession{req: req, state: session.StateScanQR}
	return nil
}

func (f *FakeSessionAPI) GetQR(ctx context.Context, name string) (*session.QR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Ready {
		return nil, apperrors.Transient("fake.GetQR", name, fmt.Errorf("runtime booting"))
	}
	if _, ok := f.sessions[name]; !ok {
		return nil, apperrors.New("fake.GetQR", name, apperrors.ErrNotFound, nil)
	}
	return &session.QR{Value: "qr:" + name, Mimetype: "text/plain"}, nil
}

func (f *FakeSessionAPI) GetStatus(ctx context.Context, name string) (*session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, apperrors.New("fake.GetStatus", name, apperrors.ErrNotFound, nil)
	}
	return &session.Status{Name: name, State: s.state}, nil
}

func (f *FakeSessionAPI) SendText(ctx context.Context, name, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		if err := f.SendErr(to); err != nil {
			return "", err
		}
	}
	f.seq++
	f.sent = append(f.sent, SentText{Session: name, To: to, Text: text})
	return fmt.Sprintf("upstream-%d", f.seq), nil
}

func (f *FakeSessionAPI) StopSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return apperrors.New("fake.StopSession", name, apperrors.ErrNotFound, nil)
	}
	s.state = session.StateStopped
	return nil
}

func (f *FakeSessionAPI) DeleteSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, name)
	if _, ok := f.sessions[name]; !ok {
		return apperrors.New("fake.DeleteSession", name, apperrors.ErrNotFound, nil)
	}
	delete(f.sessions, name)
	return nil
}

// SetReady flips readiness.
func (f *FakeSessionAPI) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ready = ready
}

// SetState forces the upstream state of a session, e.g. to simulate pairing.
func (f *FakeSessionAPI) SetState(name string, state session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.state = state
	}
}

// Session returns the create request of a live session.
func (f *FakeSessionAPI) Session(name string) (session.CreateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return session.CreateRequest{}, false
	}
	return s.req, true
}

// Drop removes a session as if the runtime lost it.
func (f *FakeSessionAPI) Drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// Sent returns a copy of every sent text.
func (f *FakeSessionAPI) Sent() []SentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentText(nil), f.sent...)
}

var _ session.Client = (*FakeSessionAPI)(nil)
