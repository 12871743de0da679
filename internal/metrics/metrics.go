package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status", "outcome"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotaengine_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_quota_admissions_total",
			Help: "Admission decisions by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	AdmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotaengine_quota_admit_duration_seconds",
			Help:    "Time spent deciding one admission.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"mode"},
	)

	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_quota_compensations_total",
			Help: "Usage writes rolled back because the request was denied.",
		},
		[]string{"mode"},
	)

	ReaperDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_reaper_deleted_rows_total",
			Help: "Rows deleted by the reaper, by table.",
		},
		[]string{"table"},
	)

	ReaperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_reaper_runs_total",
			Help: "Reaper runs by result.",
		},
		[]string{"result"},
	)

	ReferralRedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_referral_redemptions_total",
			Help: "Referral redemption attempts by status and rejection reason.",
		},
		[]string{"status", "reason"},
	)

	AccountProvisioningTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_account_provisioning_total",
			Help: "Account initialization attempts by result.",
		},
		[]string{"result"},
	)

	ProviderChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaengine_provider_checks_total",
			Help: "Upstream provider availability checks by outcome.",
		},
		[]string{"provider", "model", "outcome"},
	)

	EntitlementsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotaengine_entitlements_expired_total",
			Help: "Entitlements downgraded to the free tier after expiry.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionsTotal,
		AdmitDuration,
		CompensationsTotal,
		ReaperDeletedTotal,
		ReaperRunsTotal,
		ReferralRedemptionsTotal,
		AccountProvisioningTotal,
		ProviderChecksTotal,
		EntitlementsExpiredTotal,
	)
}
