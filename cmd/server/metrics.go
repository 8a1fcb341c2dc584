package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockgraph.ai/internal/sim/universe"
	"blockgraph.ai/internal/transport/observer"
)

type metricsFunc func(ctx context.Context) (universe.Metrics, error)

// collector reads universe state through the tick loop on every scrape.
type collector struct {
	read metricsFunc
	hub  *observer.Hub
	idx  runtimeIndex

	tick, graphs, nodes, seq, columns *prometheus.Desc
	subscribers, kicked               *prometheus.Desc
	queueDepth, queueCap              *prometheus.Desc
	dropped, writeFail, encodeFail    *prometheus.Desc
	scrapeFail                        *prometheus.Desc
}

func newCollector(read metricsFunc, hub *observer.Hub, idx runtimeIndex) *collector {
	world := []string{"world"}
	return &collector{
		read: read,
		hub:  hub,
		idx:  idx,

		tick:    prometheus.NewDesc("blockgraph_tick", "Current universe tick.", nil, nil),
		graphs:  prometheus.NewDesc("blockgraph_graphs", "Resident graphs.", world, nil),
		nodes:   prometheus.NewDesc("blockgraph_nodes", "Resident nodes.", world, nil),
		seq:     prometheus.NewDesc("blockgraph_event_seq", "Sequence number of the last emitted graph event.", world, nil),
		columns: prometheus.NewDesc("blockgraph_loaded_columns", "Loaded block columns.", world, nil),

		subscribers: prometheus.NewDesc("blockgraph_observer_subscribers", "Connected observers.", nil, nil),
		kicked:      prometheus.NewDesc("blockgraph_observer_kicked_total", "Observers dropped for falling behind.", nil, nil),

		queueDepth: prometheus.NewDesc("blockgraph_index_queue_depth", "Index write queue depth.", nil, nil),
		queueCap:   prometheus.NewDesc("blockgraph_index_queue_capacity", "Index write queue capacity.", nil, nil),
		dropped:    prometheus.NewDesc("blockgraph_index_dropped_total", "Index records dropped on a full queue.", nil, nil),
		writeFail:  prometheus.NewDesc("blockgraph_index_write_fail_total", "Index batches that failed to commit.", nil, nil),
		encodeFail: prometheus.NewDesc("blockgraph_index_encode_fail_total", "Events the index could not encode.", nil, nil),

		scrapeFail: prometheus.NewDesc("blockgraph_scrape_error", "1 if the tick loop did not answer the scrape.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tick, c.graphs, c.nodes, c.seq, c.columns,
		c.subscribers, c.kicked,
		c.queueDepth, c.queueCap, c.dropped, c.writeFail, c.encodeFail,
		c.scrapeFail,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := c.read(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.scrapeFail, prometheus.GaugeValue, 1)
	} else {
		ch <- prometheus.MustNewConstMetric(c.scrapeFail, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.tick, prometheus.GaugeValue, float64(m.Tick))
		for _, wm := range m.Worlds {
			ch <- prometheus.MustNewConstMetric(c.graphs, prometheus.GaugeValue, float64(wm.Graphs), wm.ID)
			ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(wm.Nodes), wm.ID)
			ch <- prometheus.MustNewConstMetric(c.seq, prometheus.CounterValue, float64(wm.LastSeq), wm.ID)
			ch <- prometheus.MustNewConstMetric(c.columns, prometheus.GaugeValue, float64(wm.LoadedColumns), wm.ID)
		}
	}

	if c.hub != nil {
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.hub.Subscribers()))
		ch <- prometheus.MustNewConstMetric(c.kicked, prometheus.CounterValue, float64(c.hub.Kicked()))
	}
	if c.idx != nil {
		s := c.idx.Stats()
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
		ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(s.QueueCapacity))
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.DropTotal))
		ch <- prometheus.MustNewConstMetric(c.writeFail, prometheus.CounterValue, float64(s.WriteFailTotal))
		ch <- prometheus.MustNewConstMetric(c.encodeFail, prometheus.CounterValue, float64(s.EncodeFail))
	}
}

// metricsHandler serves c together with the Go runtime and process collectors.
func metricsHandler(c *collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
