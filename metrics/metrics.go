// Package metrics exposes Prometheus instrumentation for the reward flows.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the counters.
const (
	OutcomeSuccess       = "success"
	OutcomeInvalid       = "invalid"
	OutcomeNotConnected  = "not_connected"
	OutcomeInProgress    = "in_progress"
	OutcomeMintFailed    = "mint_failed"
	OutcomeMintPending   = "mint_pending"
	OutcomeNetwork       = "network_mismatch"
	OutcomePersistFailed = "persist_failed"
	OutcomeInsufficient  = "insufficient_balance"
	OutcomeError         = "error"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TripsSubmitted   *prometheus.CounterVec
	TokensMinted     prometheus.Counter
	MintDuration     prometheus.Histogram
	Redemptions      *prometheus.CounterVec
	BalanceRefreshes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TripsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewards_trips_submitted_total",
				Help: "Trip submissions by travel mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		TokensMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rewards_tokens_minted_total",
			Help: "Reward tokens confirmed minted",
		}),
		MintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rewards_mint_duration_seconds",
			Help:    "Time from mint request to ledger confirmation or failure",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		Redemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewards_redemptions_total",
				Help: "Catalog redemptions by reward and outcome",
			},
			[]string{"reward", "outcome"},
		),
		BalanceRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewards_balance_refreshes_total",
				Help: "Authoritative balance reads by outcome",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.TripsSubmitted, m.TokensMinted, m.MintDuration, m.Redemptions, m.BalanceRefreshes)
	return m
}

func (m *Metrics) ObserveTrip(mode, outcome string) {
	if m == nil {
		return
	}
	m.TripsSubmitted.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ObserveMint(tokens int64, took time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.MintDuration.Observe(took.Seconds())
	if ok {
		m.TokensMinted.Add(float64(tokens))
	}
}

func (m *Metrics) ObserveRedemption(reward, outcome string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(reward, outcome).Inc()
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.BalanceRefreshes.WithLabelValues(outcome).Inc()
}
