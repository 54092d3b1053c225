package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openvax/slotgun/pkg/logging"
)

// expiryMargin is shaved off the token's own expiry so the engine never
// sends a request on the edge of expiration.
const expiryMargin = time.Minute

// Credentials are the provider account login details.
type Credentials struct {
	Username string
	Password string
}

// Session is the authenticated context for provider calls. Sessions are
// immutable; refreshing produces a new value.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Valid is a time-based heuristic only; the remote side is the ground
// truth and may reject a seemingly-valid session.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(s.ExpiresAt)
}

type loginRequest struct {
	Kind     string `json:"kind"`
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login authenticates against the provider's credential endpoint. The
// session expiry is taken from the token's exp claim when the token parses
// as a JWT, otherwise ttl from now.
func (c *Client) Login(ctx context.Context, creds Credentials, ttl time.Duration) (*Session, error) {
	var out loginResponse
	err := c.do(ctx, nil, http.MethodPost, "/login.json", nil, loginRequest{
		Kind:     "patient",
		Username: creds.Username,
		Password: creds.Password,
		Remember: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &MalformedResponseError{Op: "/login.json", Err: errEmptyResponse}
	}

	return &Session{
		Token:     out.Token,
		ExpiresAt: tokenExpiry(out.Token, ttl),
	}, nil
}

// tokenExpiry extracts exp from a JWT without verifying it (the provider
// signed it; only the timestamp matters here).
func tokenExpiry(token string, ttl time.Duration) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-expiryMargin)
		}
	}
	return time.Now().Add(ttl)
}

type patientRecord struct {
	ID            string `json:"id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Birthdate     string `json:"birthdate"`
	LastDoseDate  string `json:"last_dose_date"`
	DosesReceived int    `json:"doses_received"`
}

// ListPatients fetches the account's patient roster.
func (c *Client) ListPatients(ctx context.Context, sess *Session) ([]Patient, error) {
	var out []patientRecord
	if err := c.do(ctx, sess, http.MethodGet, "/account/master_patients.json", nil, nil, &out); err != nil {
		return nil, err
	}

	patients := make([]Patient, 0, len(out))
	for _, r := range out {
		p := Patient{
			ID:            r.ID,
			FirstName:     r.FirstName,
			LastName:      r.LastName,
			DosesReceived: r.DosesReceived,
		}
		if bd, err := time.Parse("2006-01-02", r.Birthdate); err == nil {
			p.BirthDate = bd
		}
		if ld, err := time.Parse("2006-01-02", r.LastDoseDate); err == nil {
			p.LastDoseAt = ld
		}
		patients = append(patients, p)
	}
	return patients, nil
}

// SessionManager owns the one authenticated session shared by all workers.
// Refresh is mutually exclusive: the first caller to detect a rejection
// performs the re-login, concurrent callers block and reuse its result.
type SessionManager struct {
	client *Client
	creds  Credentials
	ttl    time.Duration
	logger *logging.Logger

	mu         sync.Mutex
	current    *Session
	refreshErr error
}

// NewSessionManager builds a manager around client and creds. ttl is the
// fallback expiry estimate for opaque tokens.
func NewSessionManager(client *Client, creds Credentials, ttl time.Duration, logger *logging.Logger) *SessionManager {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionManager{
		client: client,
		creds:  creds,
		ttl:    ttl,
		logger: logger,
	}
}

// Authenticate performs the initial login and stores the session.
func (m *SessionManager) Authenticate(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.client.Login(ctx, m.creds, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("provider: login: %w", err)
	}
	m.current = sess
	m.refreshErr = nil
	m.logger.Info("session established", "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Current returns the session to use for the next request.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Refresh re-authenticates after stale was rejected by the provider. When
// another caller already replaced stale with a still-valid session, that
// session is returned without hitting the login endpoint again. One login
// attempt, no retries: a failure is recorded, and workers queued behind it
// share that failure instead of issuing more logins of their own.
func (m *SessionManager) Refresh(ctx context.Context, stale *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current != stale && m.current.Valid(time.Now()) {
		return m.current, nil
	}
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}

	m.logger.Warn("session rejected, re-authenticating")
	sess, err := m.client.Login(ctx, m.creds, m.ttl)
	if err != nil {
		m.refreshErr = fmt.Errorf("provider: re-login: %w", err)
		return nil, m.refreshErr
	}
	m.current = sess
	m.logger.Info("session refreshed", "expires_at", sess.ExpiresAt)
	return sess, nil
}
