package metrics

import (
	"context"
	"log/slog"
	"time"

	"voice-platform/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamStats is implemented by the media stream bridge.
type StreamStats interface {
	ActiveStreamCount() int
	FramesForwarded() uint64
	FramesDropped() uint64
	FramesQueued() uint64
}

// SocketStats is implemented by the voice socket manager.
type SocketStats interface {
	ConnectionCount() int
	ConnectedCount() int
}

// CallCounter returns stored calls grouped by status.
type CallCounter interface {
	CountByStatus(ctx context.Context) (map[calls.Status]int64, error)
}

// Collector is a prometheus.Collector that reads bridge state at scrape time.
type Collector struct {
	streams   StreamStats
	sockets   SocketStats
	calls     CallCounter
	startTime time.Time

	activeStreamsDesc   *prometheus.Desc
	framesForwardedDesc *prometheus.Desc
	framesDroppedDesc   *prometheus.Desc
	framesQueuedDesc    *prometheus.Desc
	socketsDesc         *prometheus.Desc
	callsDesc           *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a collector. Any source may be nil.
func NewCollector(streams StreamStats, sockets SocketStats, callCounter CallCounter, startTime time.Time) *Collector {
	return &Collector{
		streams:   streams,
		sockets:   sockets,
		calls:     callCounter,
		startTime: startTime,

		activeStreamsDesc: prometheus.NewDesc(
			"voice_platform_media_streams_active",
			"Number of carrier media streams currently bridged",
			nil, nil,
		),
		framesForwardedDesc: prometheus.NewDesc(
			"voice_platform_frames_forwarded_total",
			"Carrier audio frames forwarded to the voice backend",
			nil, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"voice_platform_frames_dropped_total",
			"Carrier audio frames dropped (decode or send failure)",
			nil, nil,
		),
		framesQueuedDesc: prometheus.NewDesc(
			"voice_platform_frames_queued_total",
			"Agent audio frames queued for playback to the carrier",
			nil, nil,
		),
		socketsDesc: prometheus.NewDesc(
			"voice_platform_voice_sockets",
			"Voice backend sockets by state",
			[]string{"state"}, nil,
		),
		callsDesc: prometheus.NewDesc(
			"voice_platform_calls",
			"Stored calls by status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voice_platform_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeStreamsDesc
	ch <- c.framesForwardedDesc
	ch <- c.framesDroppedDesc
	ch <- c.framesQueuedDesc
	ch <- c.socketsDesc
	ch <- c.callsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.streams != nil {
		ch <- prometheus.MustNewConstMetric(c.activeStreamsDesc, prometheus.GaugeValue, float64(c.streams.ActiveStreamCount()))
		ch <- prometheus.MustNewConstMetric(c.framesForwardedDesc, prometheus.CounterValue, float64(c.streams.FramesForwarded()))
		ch <- prometheus.MustNewConstMetric(c.framesDroppedDesc, prometheus.CounterValue, float64(c.streams.FramesDropped()))
		ch <- prometheus.MustNewConstMetric(c.framesQueuedDesc, prometheus.CounterValue, float64(c.streams.FramesQueued()))
	}

	if c.sockets != nil {
		total := c.sockets.ConnectionCount()
		connected := c.sockets.ConnectedCount()
		ch <- prometheus.MustNewConstMetric(c.socketsDesc, prometheus.GaugeValue, float64(connected), "connected")
		ch <- prometheus.MustNewConstMetric(c.socketsDesc, prometheus.GaugeValue, float64(total-connected), "disconnected")
	}

	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for _, st := range []calls.Status{
				calls.StatusQueued, calls.StatusInitiated, calls.StatusRinging,
				calls.StatusInProgress, calls.StatusCompleted, calls.StatusFailed,
			} {
				ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Webhooks counts inbound webhook outcomes.
type Webhooks struct {
	events *prometheus.CounterVec
}

func NewWebhooks() *Webhooks {
	return &Webhooks{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_platform_webhook_events_total",
			Help: "Inbound webhooks by source and result",
		}, []string{"source", "result"}),
	}
}

// Observe is safe on a nil receiver.
func (w *Webhooks) Observe(source, result string) {
	if w == nil {
		return
	}
	w.events.WithLabelValues(source, result).Inc()
}

func (w *Webhooks) Describe(ch chan<- *prometheus.Desc) { w.events.Describe(ch) }
func (w *Webhooks) Collect(ch chan<- prometheus.Metric)  { w.events.Collect(ch) }

// Register adds every collector to reg.
func Register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
