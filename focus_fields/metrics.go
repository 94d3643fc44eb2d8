package focus_fields

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsOnce sync.Once

var (
	pairRedemptionsTotal *prometheus.CounterVec
	syncWritesTotal      *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	feedSubscribers      prometheus.Gauge
)

func registerCountVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		log.Printf("prometheus counter register failed: %v", err)
	}
	return c
}

func registerGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		log.Printf("prometheus gauge register failed: %v", err)
	}
	return g
}

func initMetrics() {
	metricsOnce.Do(func() {
		pairRedemptionsTotal = registerCountVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "focusd",
			Subsystem: "pairing",
			Name:      "redemptions_total",
			Help:      "Pairing token redemption attempts by outcome.",
		}, []string{"outcome"}))

		syncWritesTotal = registerCountVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "focusd",
			Subsystem: "sync",
			Name:      "writes_total",
			Help:      "Document write attempts by outcome.",
		}, []string{"outcome"}))

		notificationsTotal = registerCountVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "focusd",
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Push notifications by result, including coalesced drops.",
		}, []string{"result"}))

		feedSubscribers = registerGauge(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "focusd",
			Subsystem: "sync",
			Name:      "feed_subscribers",
			Help:      "Currently connected change-feed subscribers.",
		}))
	})
}

// RecordRedemption counts a pairing redemption attempt. outcome is one
// of redeemed, expired, already_redeemed, revoked, not_found.
func RecordRedemption(outcome string) {
	initMetrics()
	pairRedemptionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSyncWrite counts a document write. outcome is committed,
// conflict or error.
func RecordSyncWrite(outcome string) {
	initMetrics()
	syncWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordNotification counts a push attempt. result is sent, coalesced
// or error.
func RecordNotification(result string) {
	initMetrics()
	notificationsTotal.WithLabelValues(result).Inc()
}

func FeedSubscriberAdd(delta float64) {
	initMetrics()
	feedSubscribers.Add(delta)
}
