package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain counters for the loyalty engines. Label sets are small, fixed
// enumerations so cardinality stays bounded.
var (
	// Checkins counts live check-in attempts by result
	// (counted, cooldown, blocked, unsubscribed, invalid_phone, age_rejected, error).
	Checkins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_checkins_total",
			Help: "Live check-in attempts by result.",
		},
		[]string{"result"},
	)

	RewardsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_rewards_issued_total",
		Help: "Reward instances minted at threshold crossings.",
	})

	RewardsRedeemed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_rewards_redeemed_total",
		Help: "Reward instances redeemed.",
	})

	RewardsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_rewards_expired_total",
		Help: "Reward instances marked expired by the maintenance sweep.",
	})

	// MissingTemplate counts threshold crossings that found no active reward
	// template. A non-zero rate usually means a business is misconfigured.
	MissingTemplate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_missing_template_total",
		Help: "Threshold crossings without an active reward template.",
	})

	// ImportRows counts processed import rows by outcome (created, updated, skipped).
	ImportRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_import_rows_total",
			Help: "Import rows by outcome.",
		},
		[]string{"outcome"},
	)

	// ImportRuns counts finished import runs by terminal status.
	ImportRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_import_runs_total",
			Help: "Import runs by terminal status.",
		},
		[]string{"status"},
	)

	// Notifications counts delivery outcomes by intent kind.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_notifications_total",
			Help: "Outbound notifications by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// SMSBreakerState is 0 closed, 1 half-open, 2 open.
	SMSBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loyalty_sms_breaker_state",
		Help: "State of the outbound SMS circuit breaker.",
	})
)

func init() {
	prometheus.MustRegister(
		Checkins, RewardsIssued, RewardsRedeemed, RewardsExpired, MissingTemplate,
		ImportRows, ImportRuns, Notifications, SMSBreakerState,
	)
}
