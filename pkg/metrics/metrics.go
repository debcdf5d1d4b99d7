// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

const namespace = "ipconv"

type counter struct {
	desc *prometheus.Desc
	stat func(tcpip.Stats) *tcpip.StatCounter
}

// Collector 把协议栈的计数器导出为Prometheus指标. The counters are read at
// scrape time, so one Collector serves one stack instance for its lifetime.
type Collector struct {
	stats    tcpip.Stats
	counters []counter
}

func newCounter(subsystem, name, help string, stat func(tcpip.Stats) *tcpip.StatCounter) counter {
	return counter{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		stat: stat,
	}
}

// NewCollector creates a collector over stats.
func NewCollector(stats tcpip.Stats) *Collector {
	return &Collector{
		stats: stats,
		counters: []counter{
			newCounter("udp", "in_datagrams_total", "Datagrams handed to UDP by IP",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UDP.InDatagrams }),
			newCounter("udp", "no_ports_total", "Datagrams that matched no conversation",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UDP.NoPorts }),
			newCounter("udp", "in_errors_total", "Datagrams dropped for bad checksum, bad length or a full queue",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UDP.InErrors }),
			newCounter("udp", "out_datagrams_total", "Datagrams handed to IP output",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UDP.OutDatagrams }),
			newCounter("udp", "checksum_errors_total", "Datagrams dropped for a bad checksum",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UDP.ChecksumErrors }),
			newCounter("udp", "length_errors_total", "Datagrams dropped for a bad length",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UDP.LengthErrors }),
			newCounter("ip", "packets_sent_total", "Packets handed to IP output",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.IP.PacketsSent }),
			newCounter("ip", "packets_received_total", "Packets received by IP",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.IP.PacketsReceived }),
			newCounter("ip", "packets_delivered_total", "Packets delivered to a transport protocol",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.IP.PacketsDelivered }),
			newCounter("ip", "malformed_packets_total", "Packets dropped for a bad IP header",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.IP.MalformedPacketsReceived }),
			newCounter("ip", "outgoing_errors_total", "Packets that could not be sent",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.IP.OutgoingPacketErrors }),
			newCounter("icmp", "unreachable_sent_total", "Destination unreachable messages sent",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.ICMP.DstUnreachableSent }),
			newCounter("icmp", "unreachable_received_total", "Destination unreachable messages received",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.ICMP.DstUnreachableRcvd }),
			newCounter("", "unknown_protocol_packets_total", "Packets for a transport protocol the stack does not run",
				func(s tcpip.Stats) *tcpip.StatCounter { return s.UnknownProtocolRcvdPackets }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.counters {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.counters {
		sc := m.stat(c.stats)
		if sc == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(sc.Value()))
	}
}
