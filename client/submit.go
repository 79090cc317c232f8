package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// SubmitState is the submission lifecycle phase.
type SubmitState string

const (
	// SubmitIdle means no submission is in progress.
	SubmitIdle SubmitState = "idle"
	// SubmitAwaitingAuth means a draft is buffered and waiting for a login.
	SubmitAwaitingAuth SubmitState = "awaiting_auth"
	// SubmitInFlight means a submission request is underway.
	SubmitInFlight SubmitState = "submitting"
	// SubmitDone means the last submission was accepted.
	SubmitDone SubmitState = "done"
	// SubmitFailed means the last submission ended in an error.
	SubmitFailed SubmitState = "failed"
)

var (
	// ErrAuthRequired indicates the draft was buffered but a login is needed first.
	ErrAuthRequired = errors.New("client: login required before submitting")
	// ErrSubmitRejected indicates the backend refused the submission.
	ErrSubmitRejected = errors.New("client: submission rejected")
	// ErrSubmitFailed indicates the submission could not be delivered.
	ErrSubmitFailed = errors.New("client: submission failed")
)

// LoginStarter starts an interactive login. Satisfied by *Handshake.
type LoginStarter interface {
	StartLogin(ctx context.Context) (AuthResult, error)
}

// SubmitterConfig configures the review submitter.
type SubmitterConfig struct {
	// BaseURL is the backend origin, e.g. "https://api.example.com".
	BaseURL    string
	HTTPClient *http.Client
	Store      *Store
	Buffer     *PendingBuffer
	// Login, when set, lets the submitter reacquire a credential after the
	// backend rejects the current one.
	Login  LoginStarter
	Logger *zap.Logger
}

// Submitter posts review drafts to the backend. An unauthenticated submit
// buffers the draft and replays it exactly once after the next login; an
// authenticated submit whose credential turns out stale reacquires one and
// retries exactly once.
type Submitter struct {
	baseURL    string
	httpClient *http.Client
	store      *Store
	buffer     *PendingBuffer
	login      LoginStarter
	logger     *zap.Logger

	mu          sync.Mutex
	state       SubmitState
	replaying   bool
	unsubscribe func()
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if cfg.BaseURL == "" {
		return nil, ErrEndpointNotConfigured
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Buffer == nil {
		return nil, errors.New("client: pending buffer is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		store:      cfg.Store,
		buffer:     cfg.Buffer,
		login:      cfg.Login,
		logger:     logger,
		state:      SubmitIdle,
	}, nil
}

// State returns the current lifecycle phase.
func (s *Submitter) State() SubmitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submit delivers the draft. Without a credential it buffers the draft,
// arranges a one-shot replay on the next login and returns ErrAuthRequired;
// the caller is expected to start a login.
func (s *Submitter) Submit(ctx context.Context, draft ReviewDraft) error {
	s.buffer.Save(draft)

	auth, ok := s.store.Read()
	if !ok {
		s.mu.Lock()
		s.state = SubmitAwaitingAuth
		if s.unsubscribe == nil {
			s.unsubscribe = s.store.Subscribe(s.onLogin)
		}
		s.mu.Unlock()
		return ErrAuthRequired
	}

	return s.deliver(ctx, draft, auth)
}

// onLogin replays the buffered draft after a login. Rapid successive writes
// collapse into a single replay: the subscription is dropped before the
// request goes out.
func (s *Submitter) onLogin(AuthResult) {
	s.mu.Lock()
	if s.state != SubmitAwaitingAuth || s.replaying {
		s.mu.Unlock()
		return
	}
	s.replaying = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	defer func() {
		s.mu.Lock()
		s.replaying = false
		s.mu.Unlock()
	}()

	draft, ok := s.buffer.Read()
	if !ok {
		s.setState(SubmitIdle)
		return
	}
	auth, ok := s.store.Read()
	if !ok {
		return
	}
	if err := s.deliver(context.Background(), draft, auth); err != nil {
		s.logger.Warn("buffered submission failed", zap.Error(err))
	}
}

func (s *Submitter) deliver(ctx context.Context, draft ReviewDraft, auth AuthResult) error {
	s.setState(SubmitInFlight)

	status, err := s.post(ctx, draft, auth.AccessToken)
	if err != nil {
		s.setState(SubmitFailed)
		return fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	if status == http.StatusUnauthorized {
		status, err = s.resubmitAfterLogin(ctx, draft)
		if err != nil {
			s.setState(SubmitFailed)
			return err
		}
	}

	switch {
	case status == http.StatusCreated:
		s.buffer.Clear()
		s.setState(SubmitDone)
		s.logger.Info("review submitted")
		return nil
	case status >= 400 && status < 500:
		s.setState(SubmitFailed)
		return fmt.Errorf("%w: status %d", ErrSubmitRejected, status)
	default:
		s.setState(SubmitFailed)
		return fmt.Errorf("%w: status %d", ErrSubmitFailed, status)
	}
}

// resubmitAfterLogin handles a stale credential: one fresh login, one retried
// request. A second rejection is terminal.
func (s *Submitter) resubmitAfterLogin(ctx context.Context, draft ReviewDraft) (int, error) {
	if s.login == nil {
		return 0, ErrAuthRequired
	}

	s.logger.Info("credential rejected, reacquiring")
	auth, err := s.login.StartLogin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	status, err := s.post(ctx, draft, auth.AccessToken)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	if status == http.StatusUnauthorized {
		return 0, fmt.Errorf("%w: credential rejected twice", ErrSubmitRejected)
	}
	return status, nil
}

func (s *Submitter) post(ctx context.Context, draft ReviewDraft, accessToken string) (int, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/reviews", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return resp.StatusCode, nil
}

func (s *Submitter) setState(state SubmitState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
