package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type exportedAttr struct {
	Key   string `json:"Key"`
	Value struct {
		Value any `json:"Value"`
	} `json:"Value"`
}

type exportedPoint struct {
	Attributes []exportedAttr `json:"Attributes"`
	Value      float64        `json:"Value,omitempty"`
	Count      uint64         `json:"Count,omitempty"`
}

type exportedMetrics struct {
	ScopeMetrics []struct {
		Metrics []struct {
			Name string `json:"Name"`
			Unit string `json:"Unit"`
			Data struct {
				DataPoints []exportedPoint `json:"DataPoints"`
			} `json:"Data"`
		} `json:"Metrics"`
	} `json:"ScopeMetrics"`
}

type OtelHandlerTestSuite struct {
	suite.Suite
	reader   sdkmetric.Reader
	exporter sdkmetric.Exporter
	handler  Handler
	out      *bytes.Buffer
}

func (s *OtelHandlerTestSuite) SetupTest() {
	s.out = new(bytes.Buffer)
	exp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(s.out)), stdoutmetric.WithoutTimestamps())
	s.Require().NoError(err)
	s.exporter = exp
	s.reader = sdkmetric.NewManualReader()
	s.handler = NewOtelHandler(context.Background(), sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader)), "tenantsync-test")
}

// collect exports everything recorded so far and returns the points of the named metric.
func (s *OtelHandlerTestSuite) collect(name string) (string, []exportedPoint) {
	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	s.Require().NoError(s.reader.Collect(ctx, &rm))
	s.Require().NoError(s.exporter.Export(ctx, &rm))

	var data exportedMetrics
	s.Require().NoError(json.Unmarshal(s.out.Bytes(), &data))
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m.Unit, m.Data.DataPoints
			}
		}
	}
	s.FailNow("metric not exported", name)
	return "", nil
}

func attrMap(p exportedPoint) map[string]any {
	ret := make(map[string]any, len(p.Attributes))
	for _, a := range p.Attributes {
		ret[a.Key] = a.Value.Value
	}
	return ret
}

func (s *OtelHandlerTestSuite) TestCounterAccumulatesPerTagSet() {
	ctx := context.Background()
	c := s.handler.Int64Counter("tenantsync.run_finished", "finished runs", Dimensionless)
	c.Add(ctx, 1, Tags{"function_id": "phase-sync"})
	c.Add(ctx, 2, Tags{"function_id": "phase-sync"})
	c.Add(ctx, 1, Tags{"function_id": "tenant-sync"})

	unit, points := s.collect("tenantsync.run_finished")
	s.Equal(string(Dimensionless), unit)
	s.Len(points, 2)
	totals := map[any]float64{}
	for _, p := range points {
		totals[attrMap(p)["function_id"]] = p.Value
	}
	s.Equal(map[any]float64{"phase-sync": 3, "tenant-sync": 1}, totals)
}

func (s *OtelHandlerTestSuite) TestInstrumentNamesAreCaseInsensitive() {
	ctx := context.Background()
	s.handler.Int64Counter("Tenantsync.Run_Suspended", "suspensions", Dimensionless).Add(ctx, 1, nil)
	s.handler.Int64Counter("tenantsync.run_suspended", "suspensions", Dimensionless).Add(ctx, 1, nil)

	_, points := s.collect("tenantsync.run_suspended")
	s.Require().Len(points, 1)
	s.Equal(float64(2), points[0].Value)
	s.Empty(points[0].Attributes)
}

func (s *OtelHandlerTestSuite) TestGaugeKeepsLastObservation() {
	ctx := context.Background()
	g := s.handler.Int64Gauge("tenantsync.queue_depth", "waiting runs", Dimensionless)
	g.Observe(ctx, 7, nil)
	g.Observe(ctx, 3, nil)

	_, points := s.collect("tenantsync.queue_depth")
	s.Require().Len(points, 1)
	s.Equal(float64(3), points[0].Value)
}

func (s *OtelHandlerTestSuite) TestHistogramCountsRecords() {
	ctx := context.Background()
	h := s.handler.Int64Histogram("tenantsync.run_latency", "run latency", Milliseconds)
	h.Record(ctx, 12, Tags{"run_status": "completed"})
	h.Record(ctx, 40, Tags{"run_status": "completed"})

	unit, points := s.collect("tenantsync.run_latency")
	s.Equal(string(Milliseconds), unit)
	s.Require().Len(points, 1)
	s.Equal(uint64(2), points[0].Count)
}

func (s *OtelHandlerTestSuite) TestWithTagsMergesAndMeasurementWins() {
	ctx := context.Background()
	tagged := s.handler.WithTags(Tags{"tenant_id": "t1", "phase": "users"})
	tagged.Int64Counter("tenantsync.pages", "pages", Dimensionless).Add(ctx, 1, Tags{"phase": "groups"})

	_, points := s.collect("tenantsync.pages")
	s.Require().Len(points, 1)
	s.Equal(map[string]any{"tenant_id": "t1", "phase": "groups"}, attrMap(points[0]))
}

func TestOtelHandler(t *testing.T) {
	suite.Run(t, new(OtelHandlerTestSuite))
}

func TestTagsMergeLeavesInputsAlone(t *testing.T) {
	base := Tags{"tenant_id": "t1"}
	over := Tags{"phase": "users"}
	merged := over.Merge(base)

	assert.Equal(t, Tags{"tenant_id": "t1", "phase": "users"}, merged)
	assert.Len(t, base, 1)
	assert.Len(t, over, 1)
	assert.Empty(t, Tags(nil).Merge(nil))
}

func TestNoopHandlerIgnoresEverything(t *testing.T) {
	h := NewNoOpHandler(context.Background()).WithTags(Tags{"tenant_id": "t1"})
	assert.NotPanics(t, func() {
		h.Int64Counter("c", "", Dimensionless).Add(context.Background(), 1, nil)
		h.Int64Gauge("g", "", Dimensionless).Observe(context.Background(), 1, nil)
		h.Int64Histogram("h", "", Milliseconds).Record(context.Background(), 1, nil)
	})
}
