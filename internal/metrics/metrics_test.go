/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunComplete(t *testing.T) {
	RecordRunComplete("example.org/pkg", "debian", "success", 42*time.Second)

	val := getCounterValue(RunsTotal, "example.org/pkg", "debian", "success")
	if val < 1 {
		t.Errorf("RunsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(RunDurationSeconds, "debian")
	if count < 1 {
		t.Errorf("RunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordPublishAttempt(t *testing.T) {
	RecordPublishAttempt("propose", "success")
	RecordPublishAttempt("propose", "success")

	val := getCounterValue(PublishAttemptsTotal, "propose", "success")
	if val < 2 {
		t.Errorf("PublishAttemptsTotal = %f, want >= 2", val)
	}
}

func TestRecordBlocker(t *testing.T) {
	RecordBlocker("missing-revision")

	val := getCounterValue(BlockersTotal, "missing-revision")
	if val < 1 {
		t.Errorf("BlockersTotal = %f, want >= 1", val)
	}
}

func TestRecordDiffCache(t *testing.T) {
	RecordDiffCache(true)
	RecordDiffCache(false)

	hit := getCounterValue(DiffCacheTotal, "hit")
	miss := getCounterValue(DiffCacheTotal, "miss")
	if hit < 1 {
		t.Errorf("DiffCacheTotal{hit} = %f, want >= 1", hit)
	}
	if miss < 1 {
		t.Errorf("DiffCacheTotal{miss} = %f, want >= 1", miss)
	}
}

func TestRecordPrecache(t *testing.T) {
	RecordPrecache("debdiff", true)
	RecordPrecache("debdiff", false)

	done := getCounterValue(PrecacheTotal, "debdiff", "done")
	failed := getCounterValue(PrecacheTotal, "debdiff", "failed")
	if done < 1 {
		t.Errorf("PrecacheTotal{done} = %f, want >= 1", done)
	}
	if failed < 1 {
		t.Errorf("PrecacheTotal{failed} = %f, want >= 1", failed)
	}
}

func TestActiveRunsGauge(t *testing.T) {
	ActiveRuns.Set(0)
	ActiveRuns.Inc()
	ActiveRuns.Inc()

	val := getGaugeValue(ActiveRuns)
	if val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	val = getGaugeValue(ActiveRuns)
	if val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}
