package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memRepo struct {
	tokens   map[string]ServiceToken
	touchErr error
	touched  []string
}

func newMemRepo() *memRepo {
	return &memRepo{tokens: make(map[string]ServiceToken)}
}

func (r *memRepo) Insert(_ context.Context, token ServiceToken) error {
	r.tokens[token.ID] = token
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (ServiceToken, error) {
	token, ok := r.tokens[id]
	if !ok {
		return ServiceToken{}, ErrNotFound
	}
	return token, nil
}

func (r *memRepo) List(_ context.Context, organizationID int64) ([]ServiceToken, error) {
	var out []ServiceToken
	for _, t := range r.tokens {
		if t.OrganizationID == organizationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) SetActive(_ context.Context, id string, active bool) error {
	token, ok := r.tokens[id]
	if !ok {
		return ErrNotFound
	}
	token.IsActive = active
	r.tokens[id] = token
	return nil
}

func (r *memRepo) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	if r.touchErr != nil {
		return r.touchErr
	}
	r.touched = append(r.touched, id)
	if token, ok := r.tokens[id]; ok {
		token.LastUsedAt = at
		r.tokens[id] = token
	}
	return nil
}

func TestIssueProducesVerifiableCredential(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)

	issued, err := svc.Issue(context.Background(), "ci-deployer", 7, 2)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(issued.Plaintext, TokenPrefix))
	require.True(t, issued.Token.IsActive)
	require.EqualValues(t, 7, issued.Token.UserID)
	require.EqualValues(t, 2, issued.Token.OrganizationID)

	// The plaintext is never stored; only the hash is.
	rest := strings.TrimPrefix(issued.Plaintext, TokenPrefix)
	id, secret, found := strings.Cut(rest, ".")
	require.True(t, found)
	require.Equal(t, issued.Token.ID, id)

	stored := repo.tokens[id]
	require.NotContains(t, stored.SecretHash, secret)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)))
}

func TestIssueRequiresName(t *testing.T) {
	svc := NewService(newMemRepo(), nil)
	_, err := svc.Issue(context.Background(), "   ", 1, 1)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)

	issued, err := svc.Issue(context.Background(), "ci", 7, 2)
	require.NoError(t, err)

	token, err := svc.Authenticate(context.Background(), issued.Plaintext)
	require.NoError(t, err)
	require.Equal(t, issued.Token.ID, token.ID)
	require.Equal(t, []string{issued.Token.ID}, repo.touched)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)

	issued, err := svc.Issue(context.Background(), "ci", 7, 2)
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), TokenPrefix+issued.Token.ID+".deadbeef")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)

	issued, err := svc.Issue(context.Background(), "ci", 7, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(context.Background(), issued.Token.ID))

	_, err = svc.Authenticate(context.Background(), issued.Plaintext)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestAuthenticateRejectsMalformedCredentials(t *testing.T) {
	svc := NewService(newMemRepo(), nil)

	for _, credential := range []string{
		"",
		"mrd_",
		"mrd_missing-dot",
		"mrd_.secretonly",
		"mrd_idonly.",
		"other_abc.def",
	} {
		_, err := svc.Authenticate(context.Background(), credential)
		require.ErrorIs(t, err, ErrInvalidToken, "credential %q", credential)
	}
}

func TestAuthenticateSucceedsWhenTouchFails(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)

	issued, err := svc.Issue(context.Background(), "ci", 7, 2)
	require.NoError(t, err)
	repo.touchErr = context.DeadlineExceeded

	token, err := svc.Authenticate(context.Background(), issued.Plaintext)
	require.NoError(t, err)
	require.Equal(t, issued.Token.ID, token.ID)
}

func TestMiddlewareInjectsActor(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)
	issued, err := svc.Issue(context.Background(), "ci", 7, 2)
	require.NoError(t, err)

	var got shared.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(svc, nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/roles", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Plaintext)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 7, got.UserID)
	require.EqualValues(t, 2, got.OrganizationID)
	require.Equal(t, issued.Token.ID, got.TokenID)
}

func TestMiddlewareRejectsMissingOrBadCredential(t *testing.T) {
	svc := NewService(newMemRepo(), nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	})
	handler := Middleware(svc, nil)(next)

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer mrd_unknown.secret"} {
		req := httptest.NewRequest(http.MethodGet, "/roles", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code, "header %q", header)
		require.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	}
}
