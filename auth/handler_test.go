package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/internal/clock"
	"github.com/innhopp/portal/rbac"
)

type recordedAccount struct {
	account rbac.Account
	role    rbac.Role
}

type fakeAccounts struct {
	err      error
	upserted []recordedAccount
}

func (f *fakeAccounts) UpsertAccount(_ context.Context, account rbac.Account, role rbac.Role) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, recordedAccount{account, role})
	return nil
}

type recordedTransitions struct {
	signedIn  []identity.Session
	signedOut int
	refreshed []string
}

func (t *recordedTransitions) SignIn(_ http.ResponseWriter, _ *http.Request, s identity.Session) {
	t.signedIn = append(t.signedIn, s)
}

func (t *recordedTransitions) SignOut(*http.Request) { t.signedOut++ }

func (t *recordedTransitions) RefreshToken(_ *http.Request, token string) {
	t.refreshed = append(t.refreshed, token)
}

type authFixture struct {
	handler     *Handler
	sessions    *SessionManager
	accounts    *fakeAccounts
	transitions *recordedTransitions
	router      http.Handler
	claims      *oidc.IDTokenClaims
	exchangeErr error

	exchangeNonce string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	f := &authFixture{
		sessions:    newTestSessions(t, clock.Real()),
		accounts:    &fakeAccounts{},
		transitions: &recordedTransitions{},
	}

	h, err := NewHandler(context.Background(), f.sessions, f.accounts, f.transitions, Config{}, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, h.disabled)

	h.disabled = false
	h.authURL = func(state, nonce string) string {
		return "https://idp.example.com/authorize?client_id=portal&state=" + url.QueryEscape(state) + "&nonce=" + url.QueryEscape(nonce)
	}
	h.exchange = func(ctx context.Context, _ string) (*oidc.IDTokenClaims, error) {
		f.exchangeNonce = nonceFromContext(ctx)
		if f.exchangeErr != nil {
			return nil, f.exchangeErr
		}
		return f.claims, nil
	}
	f.handler = h
	f.router = f.sessions.Middleware(h.Routes())
	return f
}

func (f *authFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *authFixture) login(t *testing.T, returnTo string) (state, nonce string) {
	t.Helper()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/login?return_to="+url.QueryEscape(returnTo), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	authURL, err := url.Parse(body.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", authURL.Host)
	return authURL.Query().Get("state"), authURL.Query().Get("nonce")
}

func idTokenClaims(subject, nonce string) *oidc.IDTokenClaims {
	claims := &oidc.IDTokenClaims{}
	claims.Subject = subject
	claims.Nonce = nonce
	claims.Email = "Alice@Example.com"
	claims.Name = "Alice"
	return claims
}

func TestLoginDisabledWithoutProvider(t *testing.T) {
	h, err := NewHandler(context.Background(), newTestSessions(t, clock.Real()), &fakeAccounts{}, &recordedTransitions{}, Config{}, zerolog.Nop())
	require.NoError(t, err)

	for _, target := range []string{"/login", "/callback?state=a&code=b"} {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestLoginCallbackSignsIn(t *testing.T) {
	f := newAuthFixture(t)
	state, nonce := f.login(t, "/rooms/4")
	require.NotEmpty(t, state)
	require.NotEmpty(t, nonce)
	f.claims = idTokenClaims("sub-1", nonce)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, nonce, f.exchangeNonce, "verifier sees the pending nonce")

	var body sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sub-1", body.Subject)
	assert.Equal(t, "alice@example.com", body.Email)
	assert.Equal(t, "/rooms/4", body.ReturnTo)

	require.Len(t, f.accounts.upserted, 1)
	assert.Equal(t, rbac.RoleUser, f.accounts.upserted[0].role)
	assert.Equal(t, "sub-1", f.accounts.upserted[0].account.Subject)

	require.Len(t, f.transitions.signedIn, 1)
	session := f.transitions.signedIn[0]
	assert.Equal(t, "sub-1", session.Identity.ID)
	assert.Equal(t, body.Token, session.Token)

	claims, err := f.sessions.Verify(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", claims.Subject)

	// States are single use.
	rec = f.do(httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRejections(t *testing.T) {
	t.Run("missing params", func(t *testing.T) {
		f := newAuthFixture(t)
		rec := f.do(httptest.NewRequest(http.MethodGet, "/callback?code=abc", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		f := newAuthFixture(t)
		state, _ := f.login(t, "/")
		f.claims = idTokenClaims("sub-1", "other")
		rec := f.do(httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, f.transitions.signedIn)
	})

	t.Run("exchange failure", func(t *testing.T) {
		f := newAuthFixture(t)
		state, _ := f.login(t, "/")
		f.exchangeErr = errors.New("idp down")
		rec := f.do(httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("account store failure", func(t *testing.T) {
		f := newAuthFixture(t)
		state, nonce := f.login(t, "/")
		f.claims = idTokenClaims("sub-1", nonce)
		f.accounts.err = errors.New("db down")
		rec := f.do(httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Empty(t, f.transitions.signedIn)
	})
}

func TestLogoutClearsSession(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.transitions.signedOut)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestRefreshReissuesToken(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := f.sessions.Issue(httptest.NewRecorder(), identity.Identity{ID: "sub-1", Name: "Alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, f.transitions.refreshed, 1)
	assert.Equal(t, body["token"], f.transitions.refreshed[0])

	claims, err := f.sessions.Verify(body["token"])
	require.NoError(t, err)
	assert.Equal(t, "Alice", claims.Name)
}
