package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_logins_success_total",
		Help: "Total number of successful logins.",
	})
	LoginFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_logins_failure_total",
		Help: "Total number of failed logins.",
	})
	SessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_sessions_created_total",
		Help: "Total number of session credentials minted.",
	})
	MfaChallengesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_mfa_challenges_total",
		Help: "Total number of MFA challenges issued.",
	})
	MfaValidatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_mfa_validated_total",
		Help: "Total number of MFA codes validated successfully.",
	})
	MfaFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_mfa_failed_total",
		Help: "Total number of MFA code validation failures.",
	})
	UsersMirroredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedgate_users_mirrored_total",
		Help: "Total number of externally mastered users mirrored on first sight.",
	})
	BackendUnavailableTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedgate_backend_unavailable_total",
		Help: "Total number of escalated backend outages, by backend.",
	}, []string{"backend"})
)

// Register registers the gateway metrics with the given registry. It
// should be called once at application startup.
func Register(reg prometheus.Registerer) {
	collectors := map[string]prometheus.Collector{
		"LoginSuccessTotal":       LoginSuccessTotal,
		"LoginFailureTotal":       LoginFailureTotal,
		"SessionsCreatedTotal":    SessionsCreatedTotal,
		"MfaChallengesTotal":      MfaChallengesTotal,
		"MfaValidatedTotal":       MfaValidatedTotal,
		"MfaFailedTotal":          MfaFailedTotal,
		"UsersMirroredTotal":      UsersMirroredTotal,
		"BackendUnavailableTotal": BackendUnavailableTotal,
	}
	for name, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
		}
	}
	log.Info().Msg("prometheus metrics registered")
}
