package portal

import (
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innhopp/portal/access"
)

func decodeVerdict(t *testing.T, body []byte) Verdict {
	t.Helper()
	var v Verdict
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func TestSessionView(t *testing.T) {
	f := newPortalFixture(t, Options{})

	anonymous := f.browser()
	rec := anonymous.do(http.MethodGet, "/api/session")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, false, view["authenticated"])
	assert.Nil(t, view["identity"])
	assert.Equal(t, []any{}, view["roles"])

	user := f.browser()
	user.token = f.token(t, "sub-1")
	user.do(http.MethodGet, "/api/session")
	waitStage(t, f.context(t, user), access.StageComplete)

	rec = user.do(http.MethodGet, "/api/session")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "complete", view["stage"])
	assert.Equal(t, true, view["authenticated"])
	assert.Equal(t, false, view["loading"])
	assert.Equal(t, false, view["is_admin"])
	assert.Equal(t, true, view["permissions_settled"])
	assert.Equal(t, []any{"user"}, view["roles"])

	got := viewOf(f.context(t, user).Access().Snapshot())
	require.NotNil(t, got.Identity)
	assert.Equal(t, "sub-1", got.Identity.ID)
	require.Len(t, got.Permissions, 1)
	assert.Equal(t, "Reports", got.Permissions[0].Screen)
}

func TestAccessDeniedNotifiesOnce(t *testing.T) {
	f := newPortalFixture(t, Options{})
	b := f.browser()
	b.token = f.token(t, "sub-1")

	rec := b.do(http.MethodGet, "/api/session/access?path=/reports&wait=2s")
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	v := decodeVerdict(t, rec.Body.Bytes())
	assert.Equal(t, RenderDenied, v.State)
	assert.Equal(t, "Reports", v.Screen)
	assert.Equal(t, "/", v.Redirect)
	assert.True(t, v.Notify)

	rec = b.do(http.MethodGet, "/api/session/access?path=/reports")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, decodeVerdict(t, rec.Body.Bytes()).Notify)

	rec = b.do(http.MethodGet, "/api/session/access?path=/other")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RenderAllowed, decodeVerdict(t, rec.Body.Bytes()).State)
}

func TestAccessAnonymousRedirectsToLogin(t *testing.T) {
	f := newPortalFixture(t, Options{})
	b := f.browser()

	rec := b.do(http.MethodGet, "/api/session/access?path=/reports&wait=2s")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "/login?return_to=%2Freports", decodeVerdict(t, rec.Body.Bytes()).Redirect)

	rec = b.do(http.MethodGet, "/api/session/access?path=/announcements&wait=2s")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccessPendingWhilePermissionsLoad(t *testing.T) {
	f := newPortalFixture(t, Options{})
	hold := make(chan struct{})
	f.resolvers.holdPerms = hold

	b := f.browser()
	b.token = f.token(t, "sub-1")
	b.do(http.MethodGet, "/api/session")
	bc := f.context(t, b)
	snap := waitStage(t, bc, access.StagePermissions)
	assert.False(t, snap.Loading, "permission fetch does not hold the loading flag")

	rec := b.do(http.MethodGet, "/api/session/access?path=/other")
	require.Equal(t, http.StatusAccepted, rec.Code)
	v := decodeVerdict(t, rec.Body.Bytes())
	assert.Equal(t, RenderLoading, v.State)
	assert.Equal(t, access.StagePermissions, v.Stage)

	close(hold)
	rec = b.do(http.MethodGet, "/api/session/access?path=/other&wait=2s")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RenderAllowed, decodeVerdict(t, rec.Body.Bytes()).State)
}

func TestAccessRejectsBadInput(t *testing.T) {
	f := newPortalFixture(t, Options{})
	b := f.browser()

	for _, target := range []string{
		"/api/session/access",
		"/api/session/access?path=reports",
		"/api/session/access?path=/reports&wait=soon",
		"/api/session/access?path=/reports&wait=-1s",
	} {
		assert.Equal(t, http.StatusBadRequest, b.do(http.MethodGet, target).Code, target)
	}
}

func TestParseWaitCaps(t *testing.T) {
	d, err := parseWait("")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = parseWait("1m")
	require.NoError(t, err)
	assert.Equal(t, MaxWait, d)

	d, err = parseWait("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestRetryRefetches(t *testing.T) {
	f := newPortalFixture(t, Options{})
	b := f.browser()
	b.token = f.token(t, "sub-1")
	b.do(http.MethodGet, "/api/session")
	bc := f.context(t, b)
	waitStage(t, bc, access.StageComplete)
	before := f.resolvers.calls("sub-1")

	rec := b.do(http.MethodPost, "/api/session/retry")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool {
		return f.resolvers.calls("sub-1") == before+1 && bc.Access().Snapshot().Stage == access.StageComplete
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidateRefetchesWithoutStageChange(t *testing.T) {
	f := newPortalFixture(t, Options{})
	b := f.browser()
	b.token = f.token(t, "sub-1")
	b.do(http.MethodGet, "/api/session")
	bc := f.context(t, b)
	waitStage(t, bc, access.StageComplete)
	before := f.resolvers.calls("sub-1")

	rec := b.do(http.MethodPost, "/api/session/invalidate")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return f.resolvers.calls("sub-1") == before+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, access.StageComplete, bc.Access().Snapshot().Stage)
}
