package chzzk

import "sync/atomic"

// ingestMetrics tracks basic counters for inbound frame handling.
type ingestMetricsState struct {
	framesSeen   atomic.Int64
	published    atomic.Int64
	droppedEmpty atomic.Int64
	parseErrors  atomic.Int64
}

var ingestMetrics ingestMetricsState

func (m *ingestMetricsState) incFramesSeen() int64 {
	if m == nil {
		return 0
	}
	return m.framesSeen.Add(1)
}

func (m *ingestMetricsState) incPublished() int64 {
	if m == nil {
		return 0
	}
	return m.published.Add(1)
}

func (m *ingestMetricsState) incDroppedEmpty() int64 {
	if m == nil {
		return 0
	}
	return m.droppedEmpty.Add(1)
}

func (m *ingestMetricsState) incParseErrors() int64 {
	if m == nil {
		return 0
	}
	return m.parseErrors.Add(1)
}

// IngestCounters is a point-in-time copy of the ingest counters.
type IngestCounters struct {
	FramesSeen   int64 `json:"framesSeen"`
	Published    int64 `json:"published"`
	DroppedEmpty int64 `json:"droppedEmpty"`
	ParseErrors  int64 `json:"parseErrors"`
}

// IngestSnapshot reports frame handling totals since process start.
func IngestSnapshot() IngestCounters {
	return IngestCounters{
		FramesSeen:   ingestMetrics.framesSeen.Load(),
		Published:    ingestMetrics.published.Load(),
		DroppedEmpty: ingestMetrics.droppedEmpty.Load(),
		ParseErrors:  ingestMetrics.parseErrors.Load(),
	}
}
