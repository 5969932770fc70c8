package transport

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	requests        prometheus.Counter
	requestFailures prometheus.Counter
	retries         prometheus.Counter
	refreshes       prometheus.Counter
	refreshFailures prometheus.Counter
	forcedLogouts   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_requests_total",
			Help: "Portal API requests that returned a 2xx response.",
		}),
		requestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_request_failures_total",
			Help: "Portal API requests that failed or returned a non-2xx response.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_request_retries_total",
			Help: "Requests re-dispatched after a token refresh.",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_token_refresh_total",
			Help: "Successful access-token refreshes.",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_token_refresh_failures_total",
			Help: "Failed access-token refresh attempts.",
		}),
		forcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_forced_logouts_total",
			Help: "Terminal auth failures that cleared the local session.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.requestFailures,
		m.retries,
		m.refreshes,
		m.refreshFailures,
		m.forcedLogouts,
	)
	return m
}

func (m *Metrics) RecordRequest() {
	if m == nil {
		return
	}
	m.requests.Inc()
}

func (m *Metrics) RecordRequestFailure() {
	if m == nil {
		return
	}
	m.requestFailures.Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) RecordRefresh() {
	if m == nil {
		return
	}
	m.refreshes.Inc()
}

func (m *Metrics) RecordRefreshFailure() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}

func (m *Metrics) RecordForcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}
