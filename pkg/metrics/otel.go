package metrics

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type otelHandler struct {
	meter otelmetric.Meter
	tags  Tags

	int64CountersMtx *sync.Mutex
	int64Counters    map[string]otelmetric.Int64Counter
	int64HistosMtx   *sync.Mutex
	int64Histos      map[string]otelmetric.Int64Histogram
	int64GaugesMtx   *sync.Mutex
	int64Gauges      map[string]*syncInt64Gauge
}

// attrs merges per-measurement tags over the handler's tags. Measurement tags win.
func (h *otelHandler) attrs(tags Tags) attribute.Set {
	merged := tags.Merge(h.tags)
	kvs := make([]attribute.KeyValue, 0, len(merged))
	for k, v := range merged {
		kvs = append(kvs, attribute.String(k, v))
	}
	return attribute.NewSet(kvs...)
}

type otelInt64Histogram struct {
	h     *otelHandler
	histo otelmetric.Int64Histogram
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags Tags) {
	o.histo.Record(ctx, value, otelmetric.WithAttributeSet(o.h.attrs(tags)))
}

var _ Int64Histogram = (*otelInt64Histogram)(nil)

type otelInt64Counter struct {
	h       *otelHandler
	counter otelmetric.Int64Counter
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags Tags) {
	o.counter.Add(ctx, value, otelmetric.WithAttributeSet(o.h.attrs(tags)))
}

var _ Int64Counter = (*otelInt64Counter)(nil)

// syncInt64Gauge keeps the last observed value per attribute set and reports them from
// the meter callback.
type syncInt64Gauge struct {
	mtx    sync.Mutex
	values map[attribute.Distinct]gaugeValue
	gauge  otelmetric.Int64ObservableGauge
}

type gaugeValue struct {
	value int64
	attrs attribute.Set
}

type otelInt64Gauge struct {
	h *otelHandler
	g *syncInt64Gauge
}

func (o *otelInt64Gauge) Observe(_ context.Context, value int64, tags Tags) {
	set := o.h.attrs(tags)
	o.g.mtx.Lock()
	defer o.g.mtx.Unlock()
	o.g.values[set.Equivalent()] = gaugeValue{value: value, attrs: set}
}

var _ Int64Gauge = (*otelInt64Gauge)(nil)

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h.int64HistosMtx.Lock()
	defer h.int64HistosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Histos[name] = c
	}

	return &otelInt64Histogram{h: h, histo: c}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	h.int64CountersMtx.Lock()
	defer h.int64CountersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Counters[name] = c
	}

	return &otelInt64Counter{h: h, counter: c}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	h.int64GaugesMtx.Lock()
	defer h.int64GaugesMtx.Unlock()

	name = strings.ToLower(name)

	if g, ok := h.int64Gauges[name]; ok {
		return &otelInt64Gauge{h: h, g: g}
	}

	og, err := h.meter.Int64ObservableGauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
	if err != nil {
		panic(err)
	}
	g := &syncInt64Gauge{gauge: og, values: make(map[attribute.Distinct]gaugeValue)}

	_, err = h.meter.RegisterCallback(func(ctx context.Context, observer otelmetric.Observer) error {
		g.mtx.Lock()
		defer g.mtx.Unlock()
		for _, v := range g.values {
			observer.ObserveInt64(g.gauge, v.value, otelmetric.WithAttributeSet(v.attrs))
		}
		return nil
	}, og)
	if err != nil {
		panic(err)
	}

	h.int64Gauges[name] = g

	return &otelInt64Gauge{h: h, g: g}
}

// WithTags returns a handler sharing instruments with h that adds tags to every
// measurement.
func (h *otelHandler) WithTags(tags Tags) Handler {
	nh := *h
	nh.tags = tags.Merge(h.tags)
	return &nh
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		meter:            provider.Meter(name),
		int64CountersMtx: &sync.Mutex{},
		int64Counters:    make(map[string]otelmetric.Int64Counter),
		int64HistosMtx:   &sync.Mutex{},
		int64Histos:      make(map[string]otelmetric.Int64Histogram),
		int64GaugesMtx:   &sync.Mutex{},
		int64Gauges:      make(map[string]*syncInt64Gauge),
	}
}

var _ Handler = (*otelHandler)(nil)
