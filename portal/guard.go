package portal

import (
	"net/http"
	"net/url"

	"github.com/innhopp/portal/access"
)

// RenderState is the one thing a route may show at a time.
type RenderState string

const (
	RenderLoading RenderState = "loading"
	RenderTimeout RenderState = "timeout"
	RenderError   RenderState = "error"
	RenderDenied  RenderState = "denied"
	RenderAllowed RenderState = "allowed"
)

// Message texts shown with the failure screens.
const (
	TimeoutMessage = "this is taking too long"
	ErrorMessage   = "something went wrong"
)

// Verdict is a route guard decision.
type Verdict struct {
	State RenderState  `json:"state"`
	Stage access.Stage `json:"stage"`
	Path  string       `json:"path"`
	// Message accompanies the timeout and error screens.
	Message string `json:"message,omitempty"`
	// Retry is where the retry affordance posts.
	Retry    string `json:"retry,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	Screen   string `json:"screen,omitempty"`
	// Notify is set the first time path is denied in this browsing context.
	Notify bool `json:"notify,omitempty"`
}

// Status maps the verdict onto an HTTP status.
func (v Verdict) Status() int {
	switch v.State {
	case RenderLoading:
		return http.StatusAccepted
	case RenderTimeout:
		return http.StatusServiceUnavailable
	case RenderError:
		return http.StatusInternalServerError
	case RenderDenied:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

// Settled reports whether waiting longer could change the verdict.
func (v Verdict) Settled() bool { return v.State != RenderLoading }

// Guard turns snapshots into verdicts.
type Guard struct {
	// LoginPath receives unauthenticated callers who are denied.
	LoginPath string
	// HomePath receives authenticated callers who are denied.
	HomePath string
	// RetryPath is advertised on the timeout and error screens.
	RetryPath string
}

// NewGuard returns a guard with the portal's default paths.
func NewGuard() *Guard {
	return &Guard{LoginPath: "/login", HomePath: "/", RetryPath: "/api/session/retry"}
}

// Evaluate decides what path may show given snap. Failure screens win over
// loading, loading wins over any decision, and a Pending decision is shown
// as loading the permissions stage.
func (g *Guard) Evaluate(snap access.Snapshot, path string) Verdict {
	v := Verdict{Stage: snap.Stage, Path: path}

	switch {
	case snap.TimedOut:
		v.State, v.Message, v.Retry = RenderTimeout, TimeoutMessage, g.RetryPath
		return v
	case snap.Errored:
		v.State, v.Message, v.Retry = RenderError, ErrorMessage, g.RetryPath
		return v
	case snap.Loading:
		v.State = RenderLoading
		return v
	}

	switch snap.Decide(path) {
	case access.Pending:
		v.State = RenderLoading
		v.Stage = access.StagePermissions
	case access.Allow:
		v.State = RenderAllowed
	default:
		v.State = RenderDenied
		v.Screen, _ = snap.ScreenName(path)
		if snap.Authenticated {
			v.Redirect = g.HomePath
		} else {
			v.Redirect = g.LoginPath + "?return_to=" + url.QueryEscape(path)
		}
	}
	return v
}

// Check evaluates path for bc and applies the one-time denial notification.
func (g *Guard) Check(bc *BrowsingContext, path string) Verdict {
	snap := bc.access.Snapshot()
	v := g.Evaluate(snap, path)
	if v.State == RenderDenied {
		identityID := ""
		if snap.Identity != nil {
			identityID = snap.Identity.ID
		}
		v.Notify = bc.noteDenial(identityID, path)
	}
	return v
}
