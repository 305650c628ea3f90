// Package metrics exposes Prometheus instruments for the ledger service.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameHTTPRequestsTotal, Help: HelpTextHTTPRequestsTotal},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Name: MetricNameHTTPRequestDuration, Help: HelpTextHTTPRequestDuration, Buckets: HTTPLatencyBuckets},
		[]string{LabelMethod, LabelPath},
	)
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{Name: MetricNameHTTPRequestsInFlight, Help: HelpTextHTTPRequestsInFlight},
	)
)

// Submission pipeline
var (
	TxSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameTxSubmitted, Help: HelpTextTxSubmitted},
		[]string{LabelType},
	)
	TxResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameTxResolved, Help: HelpTextTxResolved},
		[]string{LabelType, LabelStatus, LabelKind},
	)
	TxApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Name: MetricNameTxApplyDuration, Help: HelpTextTxApplyDuration, Buckets: prometheus.DefBuckets},
		[]string{LabelType},
	)
	TxRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameTxRetries, Help: HelpTextTxRetries},
		[]string{LabelType},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameEventsPublished, Help: HelpTextEventsPublished},
		[]string{LabelType},
	)
	EventPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameEventPublishErrs, Help: HelpTextEventPublishErrs},
		[]string{LabelType},
	)
)

// Ledger
var (
	BetsCreated = promauto.NewCounter(
		prometheus.CounterOpts{Name: MetricNameBetsCreated, Help: HelpTextBetsCreated},
	)
	BetsSettled = promauto.NewCounter(
		prometheus.CounterOpts{Name: MetricNameBetsSettled, Help: HelpTextBetsSettled},
	)
	WeiInvested = promauto.NewCounter(
		prometheus.CounterOpts{Name: MetricNameWeiInvested, Help: HelpTextWeiInvested},
	)
	WeiPaidOut = promauto.NewCounter(
		prometheus.CounterOpts{Name: MetricNameWeiPaidOut, Help: HelpTextWeiPaidOut},
	)
	SettlementDust = promauto.NewCounter(
		prometheus.CounterOpts{Name: MetricNameSettlementDust, Help: HelpTextSettlementDust},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: MetricNameCacheLookups, Help: HelpTextCacheLookups},
		[]string{LabelResult},
	)
	MetadataOrphans = promauto.NewGauge(
		prometheus.GaugeOpts{Name: MetricNameMetadataOrphans, Help: HelpTextMetadataOrphans},
	)
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{Name: MetricNameWSClients, Help: HelpTextWSClients},
	)
)

// AddWei adds a wei amount to a float counter. Counters are float64, so
// very large amounts lose precision; the ledger itself stays exact.
func AddWei(c prometheus.Counter, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	c.Add(f)
}
