package perf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/odyssey-erp/floorops/internal/app"
	jobmetrics "github.com/odyssey-erp/floorops/internal/jobs"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/reconcile"
	"github.com/odyssey-erp/floorops/jobs"
)

func newFloor(tb testing.TB) *app.Components {
	tb.Helper()
	cfg, err := app.LoadConfig()
	if err != nil {
		tb.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := app.NewComponents(context.Background(), cfg, logger, nil)
	if err != nil {
		tb.Fatalf("components: %v", err)
	}
	if err := app.SeedDemo(context.Background(), c); err != nil {
		tb.Fatalf("seed: %v", err)
	}
	return c
}

// receive runs one purchase line from creation to a green grade.
func receive(ctx context.Context, c *app.Components, station string) (time.Duration, error) {
	start := time.Now()
	line, err := c.Lines.Create(ctx, reconcile.NewLine{
		Origin: reconcile.OriginPurchase, ProductID: 3, WarehouseID: 1, Expected: 25,
	})
	if err != nil {
		return 0, err
	}
	if _, err := c.Lines.Open(ctx, line.ID, station, false); err != nil {
		return 0, err
	}
	if _, err := c.Lines.SubmitCount(ctx, line.ID, station, 25); err != nil {
		return 0, err
	}
	if _, err := c.Lines.SubmitGrade(ctx, line.ID, station, reconcile.GradeInput{Grade: reconcile.GradeGreen}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func TestReceiveLatencyTarget(t *testing.T) {
	c := newFloor(t)
	ctx := context.Background()
	samples := make([]time.Duration, 0, 50)
	for i := 0; i < 50; i++ {
		d, err := receive(ctx, c, fmt.Sprintf("station-%d", i%4))
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		samples = append(samples, d)
	}
	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("receive latency regression: p95=%s", p95)
	}

	report, err := c.Ledger.Projection().Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(report.Drifts) != 0 {
		t.Fatalf("projection drifted: %+v", report.Drifts)
	}
}

func TestVerifyJobThroughput(t *testing.T) {
	c := newFloor(t)
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := ledger.NewVerifyJob(c.Ledger, c.Publisher, c.Metrics, metrics, nil)
	task, err := jobs.NewLedgerVerifyTask(time.Now())
	if err != nil {
		t.Fatalf("task: %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := job.Handle(context.Background(), task); err != nil {
			t.Fatalf("verify run %d: %v", i, err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	success := metricValue(t, families, "floorops_jobs_total", map[string]string{"job": jobs.TaskLedgerVerify, "status": "success"})
	if success != 20 {
		t.Fatalf("verify runs recorded = %v, want 20", success)
	}
	mean := histogramMean(t, families, "floorops_job_duration_seconds", map[string]string{"job": jobs.TaskLedgerVerify})
	if mean > 0.5 {
		t.Fatalf("verify duration above budget: %f", mean)
	}
}

func BenchmarkLedgerAppendParallel(b *testing.B) {
	c := newFloor(b)
	ctx := context.Background()
	var n atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			// Spread over products so stripes contend realistically.
			product := n.Add(1)%5 + 1
			_, err := c.Ledger.Append(ctx, ledger.Entry{
				Triple: ledger.Triple{ProductID: product, WarehouseID: 1, Status: ledger.StatusAvailable},
				Delta:  1,
				Kind:   ledger.KindEntry,
				Actor:  "bench",
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkReceiveLine(b *testing.B) {
	c := newFloor(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := receive(ctx, c, "station-1"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDashboardSummary(b *testing.B) {
	c := newFloor(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Dashboard.Summary(ctx, 1); err != nil {
			b.Fatal(err)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	return sorted[index]
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}
