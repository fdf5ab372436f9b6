// Package metrics holds the bot's Prometheus instrumentation. Counters are
// incremented at the point of the event; gauges are refreshed by the director
// on its iteration cadence.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metric descriptors for the bot.
type Metrics struct {
	MailReceived     prometheus.Counter
	MailSent         prometheus.Counter
	MailSendFailures *prometheus.CounterVec
	MailDeferred     prometheus.Counter
	MailQueueDepth   *prometheus.GaugeVec

	ChatSent        prometheus.Counter
	ChatDropped     prometheus.Counter
	ChatTargets     prometheus.Gauge
	EventsRaised    prometheus.Counter
	HeartbeatPanics prometheus.Counter
	ModuleErrors    *prometheus.CounterVec
	ReservedItems   prometheus.Gauge
}

// New creates the bot's metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in the binary and prometheus.NewRegistry() in
// tests so parallel test packages do not collide.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MailReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_mail_received_total",
			Help: "Inbound mails ingested from the server inbox.",
		}),
		MailSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_mail_sent_total",
			Help: "Outbound mails accepted by the server.",
		}),
		MailSendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clanbot_mail_send_failures_total",
			Help: "Outbound send failures by kind (transport or rejected).",
		}, []string{"kind"}),
		MailDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_mail_deferred_total",
			Help: "Mails whose attachments were withheld and deferred.",
		}),
		MailQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clanbot_mail_queue_depth",
			Help: "Mail rows currently in each lifecycle state.",
		}, []string{"state"}),
		ChatSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_chat_sent_total",
			Help: "Chat messages transmitted.",
		}),
		ChatDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_chat_dropped_total",
			Help: "Chat messages dropped on target shutdown or failure.",
		}),
		ChatTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clanbot_chat_targets",
			Help: "Live chat target workers.",
		}),
		EventsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_events_raised_total",
			Help: "Events raised on the internal bus.",
		}),
		HeartbeatPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clanbot_heartbeat_panics_total",
			Help: "Panics recovered inside heartbeat callbacks.",
		}),
		ModuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clanbot_module_errors_total",
			Help: "Errors returned by module callbacks, by module.",
		}, []string{"module"}),
		ReservedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clanbot_reserved_items",
			Help: "Total item quantity held by ledger reservations.",
		}),
	}

	reg.MustRegister(
		m.MailReceived,
		m.MailSent,
		m.MailSendFailures,
		m.MailDeferred,
		m.MailQueueDepth,
		m.ChatSent,
		m.ChatDropped,
		m.ChatTargets,
		m.EventsRaised,
		m.HeartbeatPanics,
		m.ModuleErrors,
		m.ReservedItems,
	)
	return m
}
