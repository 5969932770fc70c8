package chat

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connects       prometheus.Counter
	reconnects     prometheus.Counter
	authReconnects prometheus.Counter
	fallbackPolls  prometheus.Counter
	merged         prometheus.Counter
	droppedFrames  prometheus.Counter
	channelState   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_chat_connects_total",
			Help: "Successful chat channel opens.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_chat_reconnects_total",
			Help: "Reconnect attempts scheduled after abnormal channel closes.",
		}),
		authReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_chat_auth_reconnects_total",
			Help: "Channel closes that triggered a token refresh before reconnecting.",
		}),
		fallbackPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_chat_fallback_polls_total",
			Help: "REST snapshot pulls while the channel was down.",
		}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_chat_messages_merged_total",
			Help: "Inbound channel messages merged into the log.",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_chat_dropped_frames_total",
			Help: "Inbound frames dropped as malformed or unrecognized.",
		}),
		channelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portal_chat_channel_state",
			Help: "Current channel state (0 closed, 1 connecting, 2 open, 3 backoff).",
		}),
	}

	reg.MustRegister(
		m.connects,
		m.reconnects,
		m.authReconnects,
		m.fallbackPolls,
		m.merged,
		m.droppedFrames,
		m.channelState,
	)
	return m
}

func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RecordAuthReconnect() {
	if m == nil {
		return
	}
	m.authReconnects.Inc()
}

func (m *Metrics) RecordFallbackPoll() {
	if m == nil {
		return
	}
	m.fallbackPolls.Inc()
}

func (m *Metrics) RecordMerged() {
	if m == nil {
		return
	}
	m.merged.Inc()
}

func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.droppedFrames.Inc()
}

func (m *Metrics) SetChannelState(s State) {
	if m == nil {
		return
	}
	m.channelState.Set(float64(s))
}
