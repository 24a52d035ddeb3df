package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Admission results.
const (
	AdmitAccepted  = "accepted"
	AdmitDuplicate = "duplicate"
)

// Collector Prometheus metrics collector
type Collector struct {
	GetLiveConnections func() int
	GetRecentHosts     func() int

	// Info metric (always 1)
	nodeInfo *prometheus.Desc

	// Gauges read through callbacks
	connectionsLive *prometheus.Desc
	recentHosts     *prometheus.Desc

	// Lifecycle metrics
	admissionsTotal        *prometheus.Desc
	connectionsOpenedTotal *prometheus.Desc
	connectionsClosedTotal *prometheus.Desc
	openRejectedTotal      *prometheus.Desc

	// Relay metrics
	messagesReceivedTotal *prometheus.Desc
	broadcastsTotal       *prometheus.Desc
	broadcastSendsTotal   *prometheus.Desc
	sendFailuresTotal     *prometheus.Desc
	sinkDuplicatesTotal   *prometheus.Desc

	// Counters (protected by mutex)
	metricsLock      sync.RWMutex
	admissions       map[string]float64
	opened           float64
	closed           float64
	openRejected     float64
	messagesReceived map[string]float64
	broadcasts       map[string]float64
	broadcastSends   map[string]float64
	sendFailures     map[string]float64
	sinkDuplicates   map[string]float64
}

// NewCollector creates a new metrics collector
func NewCollector(getLiveConnections, getRecentHosts func() int) *Collector {
	return &Collector{
		GetLiveConnections: getLiveConnections,
		GetRecentHosts:     getRecentHosts,
		nodeInfo: prometheus.NewDesc(
			"relay_node_info",
			"Relay listener process info metric (always 1).",
			[]string{"node", "pod"},
			nil,
		),
		connectionsLive: prometheus.NewDesc(
			"relay_connections_live",
			"Number of open relay connections in the registry",
			[]string{"node", "pod"},
			nil,
		),
		recentHosts: prometheus.NewDesc(
			"relay_recent_hosts",
			"Number of hosts remembered for reconnect-notice suppression",
			[]string{"node", "pod"},
			nil,
		),
		admissionsTotal: prometheus.NewDesc(
			"relay_admissions_total",
			"Inbound connection attempts by admission result",
			[]string{"result", "node", "pod"},
			nil,
		),
		connectionsOpenedTotal: prometheus.NewDesc(
			"relay_connections_opened_total",
			"Connections registered as live",
			[]string{"node", "pod"},
			nil,
		),
		connectionsClosedTotal: prometheus.NewDesc(
			"relay_connections_closed_total",
			"Live connections removed from the registry",
			[]string{"node", "pod"},
			nil,
		),
		openRejectedTotal: prometheus.NewDesc(
			"relay_connections_open_rejected_total",
			"Admitted connections refused at open because their address went live meanwhile",
			[]string{"node", "pod"},
			nil,
		),
		messagesReceivedTotal: prometheus.NewDesc(
			"relay_messages_received_total",
			"Decoded payloads forwarded to the message sink",
			[]string{"kind", "node", "pod"},
			nil,
		),
		broadcastsTotal: prometheus.NewDesc(
			"relay_broadcasts_total",
			"Broadcast calls by payload kind",
			[]string{"kind", "node", "pod"},
			nil,
		),
		broadcastSendsTotal: prometheus.NewDesc(
			"relay_broadcast_sends_total",
			"Per-connection send attempts made by broadcasts",
			[]string{"kind", "node", "pod"},
			nil,
		),
		sendFailuresTotal: prometheus.NewDesc(
			"relay_send_failures_total",
			"Per-connection sends that failed during broadcast",
			[]string{"kind", "node", "pod"},
			nil,
		),
		sinkDuplicatesTotal: prometheus.NewDesc(
			"relay_sink_duplicates_total",
			"Payloads dropped by the sink because they were already relayed",
			[]string{"kind", "node", "pod"},
			nil,
		),
		admissions:       make(map[string]float64),
		messagesReceived: make(map[string]float64),
		broadcasts:       make(map[string]float64),
		broadcastSends:   make(map[string]float64),
		sendFailures:     make(map[string]float64),
		sinkDuplicates:   make(map[string]float64),
	}
}

// RecordAdmission records the outcome of an admission decision
func (c *Collector) RecordAdmission(result string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.admissions[result]++
}

// RecordOpened records a connection entering the registry
func (c *Collector) RecordOpened() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.opened++
}

// RecordClosed records a connection leaving the registry
func (c *Collector) RecordClosed() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.closed++
}

// RecordOpenRejected records an open refused for a duplicate address
func (c *Collector) RecordOpenRejected() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.openRejected++
}

// RecordReceived records a payload forwarded to the sink
func (c *Collector) RecordReceived(kind string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.messagesReceived[kind]++
}

// RecordBroadcast records one broadcast call and its send outcome
func (c *Collector) RecordBroadcast(kind string, attempts, failures int) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.broadcasts[kind]++
	c.broadcastSends[kind] += float64(attempts)
	c.sendFailures[kind] += float64(failures)
}

// RecordSinkDuplicate records a payload the sink had already relayed
func (c *Collector) RecordSinkDuplicate(kind string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.sinkDuplicates[kind]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeInfo
	ch <- c.connectionsLive
	ch <- c.recentHosts
	ch <- c.admissionsTotal
	ch <- c.connectionsOpenedTotal
	ch <- c.connectionsClosedTotal
	ch <- c.openRejectedTotal
	ch <- c.messagesReceivedTotal
	ch <- c.broadcastsTotal
	ch <- c.broadcastSendsTotal
	ch <- c.sendFailuresTotal
	ch <- c.sinkDuplicatesTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}

	ch <- prometheus.MustNewConstMetric(c.nodeInfo, prometheus.GaugeValue, 1, nodeName, podName)

	if c.GetLiveConnections != nil {
		ch <- prometheus.MustNewConstMetric(c.connectionsLive, prometheus.GaugeValue,
			float64(c.GetLiveConnections()), nodeName, podName)
	}
	if c.GetRecentHosts != nil {
		ch <- prometheus.MustNewConstMetric(c.recentHosts, prometheus.GaugeValue,
			float64(c.GetRecentHosts()), nodeName, podName)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for result, value := range c.admissions {
		ch <- prometheus.MustNewConstMetric(c.admissionsTotal, prometheus.CounterValue, value, result, nodeName, podName)
	}
	ch <- prometheus.MustNewConstMetric(c.connectionsOpenedTotal, prometheus.CounterValue, c.opened, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.connectionsClosedTotal, prometheus.CounterValue, c.closed, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.openRejectedTotal, prometheus.CounterValue, c.openRejected, nodeName, podName)

	byKind := []struct {
		desc   *prometheus.Desc
		values map[string]float64
	}{
		{c.messagesReceivedTotal, c.messagesReceived},
		{c.broadcastsTotal, c.broadcasts},
		{c.broadcastSendsTotal, c.broadcastSends},
		{c.sendFailuresTotal, c.sendFailures},
		{c.sinkDuplicatesTotal, c.sinkDuplicates},
	}
	for _, m := range byKind {
		for kind, value := range m.values {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, value, kind, nodeName, podName)
		}
	}
}
