package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Licensing transport
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extmgr_remote_requests_total",
			Help: "Licensing server requests by request type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: ok, empty, error
	)

	StatusCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extmgr_status_cache_total",
			Help: "Subscription status lookups served from cache or remote",
		},
		[]string{"result"}, // hit, miss
	)

	LadderLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "extmgr_subscription_ladder_level",
			Help: "Result of the last subscription revalidation ladder (0-6)",
		},
	)

	NoticesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extmgr_notices_total",
			Help: "User notices raised by code",
		},
		[]string{"code"},
	)

	GraceGrantedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extmgr_grace_granted_total",
			Help: "Deactivations postponed by the margin-of-error grace window",
		},
	)

	// Extensions
	ExtensionLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extmgr_extension_loads_total",
			Help: "Extension load attempts by final state",
		},
		[]string{"state"},
	)

	ExtensionsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "extmgr_extensions_loaded",
			Help: "Extensions loaded by the last boot",
		},
	)

	// Integrity and protocol
	TamperDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extmgr_tamper_detected_total",
			Help: "Integrity failures by kind",
		},
		[]string{"kind"}, // catalog_missing, catalog_mismatch, path
	)

	ProtocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extmgr_protocol_violations_total",
			Help: "Verification token violations",
		},
	)
)

// RecordRemoteRequest records one licensing request.
func RecordRemoteRequest(requestType, outcome string) {
	RemoteRequestsTotal.WithLabelValues(requestType, outcome).Inc()
}

// RecordStatusCache records a cache hit or miss.
func RecordStatusCache(hit bool) {
	if hit {
		StatusCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	StatusCacheTotal.WithLabelValues("miss").Inc()
}

// SetLadderLevel records the last revalidation result.
func SetLadderLevel(level int) {
	LadderLevel.Set(float64(level))
}

// RecordNotice records a user notice. Zero is ignored.
func RecordNotice(code int) {
	if code == 0 {
		return
	}
	NoticesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordGraceGranted records a postponed deactivation.
func RecordGraceGranted() {
	GraceGrantedTotal.Inc()
}

// RecordExtensionLoad records the final state of a load attempt.
func RecordExtensionLoad(state string) {
	ExtensionLoadsTotal.WithLabelValues(state).Inc()
}

// SetExtensionsLoaded records the number of loaded extensions.
func SetExtensionsLoaded(n int) {
	ExtensionsLoaded.Set(float64(n))
}

// RecordTamper records an integrity failure.
func RecordTamper(kind string) {
	TamperDetectedTotal.WithLabelValues(kind).Inc()
}

// RecordProtocolViolation records a token violation.
func RecordProtocolViolation() {
	ProtocolViolationsTotal.Inc()
}
