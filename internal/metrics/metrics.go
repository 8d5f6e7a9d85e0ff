// Package metrics wires the named counters the authorization server
// reports, grounded on the CounterVec/Registry pattern dex's server
// package uses around promhttp.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder owns the process's named counters. A nil *Recorder is valid:
// every method no-ops, so callers that did not configure a registry
// (tests, for instance) don't need to guard every call site.
type Recorder struct {
	loginAttempts      *prometheus.CounterVec
	loginSuccess       *prometheus.CounterVec
	loginFailure       *prometheus.CounterVec
	authorizeAttempts  *prometheus.CounterVec
	oauthSuccess       *prometheus.CounterVec
	oauthFailure       *prometheus.CounterVec
	interceptorSuccess *prometheus.CounterVec
	interceptorFailure *prometheus.CounterVec
}

// New builds a Recorder and registers its counters with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_attempts", Help: "Count of login attempts.",
		}, []string{"tenant", "client"}),
		loginSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_success", Help: "Count of successful logins.",
		}, []string{"tenant", "client"}),
		loginFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_failure", Help: "Count of failed logins.",
		}, []string{"tenant", "client", "reason"}),
		authorizeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authorize_attempts", Help: "Count of /authorize requests.",
		}, []string{"tenant", "client"}),
		oauthSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_success", Help: "Count of successful /token exchanges.",
		}, []string{"tenant", "client", "grant_type"}),
		oauthFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_failure", Help: "Count of failed /token exchanges.",
		}, []string{"tenant", "client", "reason"}),
		interceptorSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interceptor_success", Help: "Count of interceptor requests that passed.",
		}, []string{"tenant"}),
		interceptorFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interceptor_failure", Help: "Count of interceptor requests that were rejected.",
		}, []string{"tenant", "reason"}),
	}
	reg.MustRegister(
		r.loginAttempts, r.loginSuccess, r.loginFailure,
		r.authorizeAttempts, r.oauthSuccess, r.oauthFailure,
		r.interceptorSuccess, r.interceptorFailure,
	)
	return r
}

func (r *Recorder) LoginAttempt(tenant, client string) {
	if r == nil {
		return
	}
	r.loginAttempts.WithLabelValues(tenant, client).Inc()
}

func (r *Recorder) LoginSuccess(tenant, client string) {
	if r == nil {
		return
	}
	r.loginSuccess.WithLabelValues(tenant, client).Inc()
}

func (r *Recorder) LoginFailure(tenant, client, reason string) {
	if r == nil {
		return
	}
	r.loginFailure.WithLabelValues(tenant, client, reason).Inc()
}

func (r *Recorder) AuthorizeAttempt(tenant, client string) {
	if r == nil {
		return
	}
	r.authorizeAttempts.WithLabelValues(tenant, client).Inc()
}

func (r *Recorder) OAuthSuccess(tenant, client, grantType string) {
	if r == nil {
		return
	}
	r.oauthSuccess.WithLabelValues(tenant, client, grantType).Inc()
}

func (r *Recorder) OAuthFailure(tenant, client, reason string) {
	if r == nil {
		return
	}
	r.oauthFailure.WithLabelValues(tenant, client, reason).Inc()
}

func (r *Recorder) InterceptorSuccess(tenant string) {
	if r == nil {
		return
	}
	r.interceptorSuccess.WithLabelValues(tenant).Inc()
}

func (r *Recorder) InterceptorFailure(tenant, reason string) {
	if r == nil {
		return
	}
	r.interceptorFailure.WithLabelValues(tenant, reason).Inc()
}
