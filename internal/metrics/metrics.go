// Package metrics exposes agent state as Prometheus metrics, gathered at
// scrape time rather than pushed.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/registrar"
	"github.com/dipaksuthar9166/Twillio-dialer-sub002/internal/session"
	"github.com/prometheus/client_golang/prometheus"
)

// CallStatsProvider exposes the live call state. Satisfied by
// *session.Manager.
type CallStatsProvider interface {
	Snapshot() session.Snapshot
	CallCounts() (outbound, inbound int64)
}

// RegistrationProvider exposes the registrar state. Satisfied by
// *registrar.Registrar.
type RegistrationProvider interface {
	State() registrar.State
}

// CallLogCounter returns the number of cached call log records. Satisfied
// by *calllog.Store.
type CallLogCounter interface {
	Count(ctx context.Context) (int, error)
}

// AdmissionCounters exposes offer refusal totals. Satisfied by
// *admission.Controller.
type AdmissionCounters interface {
	Counters() (ringTimeouts, busyRefused int64)
}

// ReconcilerCounters exposes call log failure totals. Satisfied by
// *calllog.Reconciler.
type ReconcilerCounters interface {
	Counters() (finalizeFailures, refreshFailures int64)
}

// Collector is a prometheus.Collector that gathers agent metrics at scrape time.
type Collector struct {
	calls     CallStatsProvider
	reg       RegistrationProvider
	logs      CallLogCounter
	offers    AdmissionCounters
	outcomes  ReconcilerCounters
	startTime time.Time

	// Metric descriptors.
	registrationDesc *prometheus.Desc
	callStateDesc    *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	callSecondsDesc  *prometheus.Desc
	cachedLogsDesc   *prometheus.Desc
	ringTimeoutsDesc *prometheus.Desc
	busyRefusedDesc  *prometheus.Desc
	finalizeErrDesc  *prometheus.Desc
	refreshErrDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(calls CallStatsProvider, reg RegistrationProvider, logs CallLogCounter, offers AdmissionCounters, outcomes ReconcilerCounters, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		reg:       reg,
		logs:      logs,
		offers:    offers,
		outcomes:  outcomes,
		startTime: startTime,

		registrationDesc: prometheus.NewDesc(
			"dialer_registration_status",
			"Device registration status (1 for the current status, 0 otherwise)",
			[]string{"status"}, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"dialer_call_state",
			"Call session state (1 for the current state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"dialer_calls_total",
			"Total number of calls started since the agent booted",
			[]string{"direction"}, nil,
		),
		callSecondsDesc: prometheus.NewDesc(
			"dialer_call_duration_seconds",
			"Elapsed talk time of the connected call, zero when idle",
			nil, nil,
		),
		cachedLogsDesc: prometheus.NewDesc(
			"dialer_cached_call_logs",
			"Number of call log records held in the local cache",
			nil, nil,
		),
		ringTimeoutsDesc: prometheus.NewDesc(
			"dialer_ring_timeouts_total",
			"Incoming offers that rang out unanswered",
			nil, nil,
		),
		busyRefusedDesc: prometheus.NewDesc(
			"dialer_busy_refusals_total",
			"Incoming offers refused because the line was busy",
			nil, nil,
		),
		finalizeErrDesc: prometheus.NewDesc(
			"dialer_finalize_failures_total",
			"Call outcomes the backend failed to record",
			nil, nil,
		),
		refreshErrDesc: prometheus.NewDesc(
			"dialer_refresh_failures_total",
			"Call log refreshes that failed against the backend",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialer_uptime_seconds",
			"Seconds since the agent process started",
			nil, nil,
		),
	}
}

// registrationStatuses and callStates enumerate the label values emitted on
// every scrape so absent states read as explicit zeroes.
var registrationStatuses = []registrar.Status{
	registrar.StatusUnregistered,
	registrar.StatusRegistering,
	registrar.StatusRegistered,
	registrar.StatusFailed,
}

var callStates = []session.State{
	session.StateIdle,
	session.StateDialing,
	session.StateRingingOut,
	session.StateRingingIn,
	session.StateConnected,
	session.StateEnding,
	session.StateEnded,
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationDesc
	ch <- c.callStateDesc
	ch <- c.callsTotalDesc
	ch <- c.callSecondsDesc
	ch <- c.cachedLogsDesc
	ch <- c.ringTimeoutsDesc
	ch <- c.busyRefusedDesc
	ch <- c.finalizeErrDesc
	ch <- c.refreshErrDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.reg != nil {
		current := c.reg.State().Status
		for _, status := range registrationStatuses {
			val := 0.0
			if status == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.registrationDesc, prometheus.GaugeValue, val, string(status),
			)
		}
	}

	if c.calls != nil {
		snap := c.calls.Snapshot()
		for _, state := range callStates {
			val := 0.0
			if state.String() == snap.State {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.callStateDesc, prometheus.GaugeValue, val, state.String(),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.callSecondsDesc, prometheus.GaugeValue, float64(snap.DurationSeconds),
		)

		outbound, inbound := c.calls.CallCounts()
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue, float64(outbound), "outgoing",
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue, float64(inbound), "incoming",
		)
	}

	if c.logs != nil {
		count, err := c.logs.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cached call logs", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.cachedLogsDesc, prometheus.GaugeValue, float64(count),
			)
		}
	}

	if c.offers != nil {
		ringTimeouts, busyRefused := c.offers.Counters()
		ch <- prometheus.MustNewConstMetric(
			c.ringTimeoutsDesc, prometheus.CounterValue, float64(ringTimeouts),
		)
		ch <- prometheus.MustNewConstMetric(
			c.busyRefusedDesc, prometheus.CounterValue, float64(busyRefused),
		)
	}

	if c.outcomes != nil {
		finalizeFailures, refreshFailures := c.outcomes.Counters()
		ch <- prometheus.MustNewConstMetric(
			c.finalizeErrDesc, prometheus.CounterValue, float64(finalizeFailures),
		)
		ch <- prometheus.MustNewConstMetric(
			c.refreshErrDesc, prometheus.CounterValue, float64(refreshFailures),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
