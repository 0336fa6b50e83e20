// Copyright 2024 The RINA Normal IPCP Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipcp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats implements prometheus.Collector over an IPCP's flows and deferred
// queue. It holds no state of its own beyond the descriptors: every
// Collect call walks the live flow table under the IPCP's lock.
type Stats struct {
	ipc *IPCP

	txPkt, txByte, txErr *prometheus.Desc
	rxPkt, rxByte, rxErr *prometheus.Desc
	cwqLen, rtxqLen, seqqLen *prometheus.Desc
	deferredLen *prometheus.Desc
}

func newStats(ipc *IPCP) *Stats {
	constLabels := prometheus.Labels{}
	flowLabels := []string{"local_cep"}

	return &Stats{
		ipc: ipc,
		txPkt: prometheus.NewDesc("rina_dtp_tx_pdu_total", "Total DT PDUs transmitted on a flow.",
			flowLabels, constLabels),
		txByte: prometheus.NewDesc("rina_dtp_tx_bytes_total", "Total payload bytes transmitted on a flow.",
			flowLabels, constLabels),
		txErr: prometheus.NewDesc("rina_dtp_tx_errors_total", "Total transmit errors on a flow.",
			flowLabels, constLabels),
		rxPkt: prometheus.NewDesc("rina_dtp_rx_pdu_total", "Total DT PDUs received on a flow.",
			flowLabels, constLabels),
		rxByte: prometheus.NewDesc("rina_dtp_rx_bytes_total", "Total payload bytes delivered on a flow.",
			flowLabels, constLabels),
		rxErr: prometheus.NewDesc("rina_dtp_rx_errors_total", "Total dropped/duplicate/out-of-window PDUs on a flow.",
			flowLabels, constLabels),
		cwqLen: prometheus.NewDesc("rina_dtp_cwq_length", "Current closed-window queue depth.",
			flowLabels, constLabels),
		rtxqLen: prometheus.NewDesc("rina_dtp_rtxq_length", "Current retransmission queue depth.",
			flowLabels, constLabels),
		seqqLen: prometheus.NewDesc("rina_dtp_seqq_length", "Current out-of-order reorder queue depth.",
			flowLabels, constLabels),
		deferredLen: prometheus.NewDesc("rina_rmt_deferred_queue_length", "Current IPCP-wide RMT deferred-send queue depth.",
			nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.txPkt
	ch <- s.txByte
	ch <- s.txErr
	ch <- s.rxPkt
	ch <- s.rxByte
	ch <- s.rxErr
	ch <- s.cwqLen
	ch <- s.rtxqLen
	ch <- s.seqqLen
	ch <- s.deferredLen
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	s.ipc.mu.Lock()
	flows := make([]*Flow, 0, len(s.ipc.flows))
	for _, f := range s.ipc.flows {
		flows = append(flows, f)
	}
	s.ipc.mu.Unlock()

	for _, f := range flows {
		label := strconv.FormatUint(f.localCEP, 10)
		c := f.dtp.Snapshot()
		cwqLen, rtxqLen, seqqLen := f.dtp.QueueDepths()

		ch <- prometheus.MustNewConstMetric(s.txPkt, prometheus.CounterValue, float64(c.TxPkt), label)
		ch <- prometheus.MustNewConstMetric(s.txByte, prometheus.CounterValue, float64(c.TxByte), label)
		ch <- prometheus.MustNewConstMetric(s.txErr, prometheus.CounterValue, float64(c.TxErr), label)
		ch <- prometheus.MustNewConstMetric(s.rxPkt, prometheus.CounterValue, float64(c.RxPkt), label)
		ch <- prometheus.MustNewConstMetric(s.rxByte, prometheus.CounterValue, float64(c.RxByte), label)
		ch <- prometheus.MustNewConstMetric(s.rxErr, prometheus.CounterValue, float64(c.RxErr), label)
		ch <- prometheus.MustNewConstMetric(s.cwqLen, prometheus.GaugeValue, float64(cwqLen), label)
		ch <- prometheus.MustNewConstMetric(s.rtxqLen, prometheus.GaugeValue, float64(rtxqLen), label)
		ch <- prometheus.MustNewConstMetric(s.seqqLen, prometheus.GaugeValue, float64(seqqLen), label)
	}

	ch <- prometheus.MustNewConstMetric(s.deferredLen, prometheus.GaugeValue, float64(s.ipc.deferred.Len()))
}
