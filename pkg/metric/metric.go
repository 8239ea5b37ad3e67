// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidMetricName indicates that a metric name is not of the form
	// /component/subcomponent/name.
	ErrInvalidMetricName = errors.New("metric name is invalid")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

var (
	metricNameRE = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)
	fieldValueRE = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

func (f Field) index(value string) int {
	for i, v := range f.allowedValues {
		if v == value {
			return i
		}
	}
	panic(fmt.Sprintf("value %q is not allowed for field %q", value, f.name))
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Each combination of field values has its own counter.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// values holds one counter per field value combination, indexed in
	// mixed radix over the fields' allowed values.
	values []atomicbitops.Uint64
}

// customUint64Metric is a metric whose value is computed on demand.
type customUint64Metric struct {
	name        string
	description string
	cumulative  bool
	value       func() uint64
}

var (
	// mu protects the registry below.
	mu sync.Mutex

	// initialized indicates that all metrics are registered. The registry
	// is immutable once initialized is true.
	initialized bool

	uint64Metrics = map[string]*Uint64Metric{}
	customMetrics = map[string]*customUint64Metric{}
)

// Initialize freezes the set of registered metrics. Metrics created
// afterwards fail with ErrInitializationDone.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return errors.New("metric.Initialize called twice")
	}
	initialized = true
	log.Debugf("Metrics initialized: %d counters, %d custom", len(uint64Metrics), len(customMetrics))
	return nil
}

func verifyName(name string) error {
	if !metricNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidMetricName, name)
	}
	if _, ok := uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	if _, ok := customMetrics[name]; ok {
		return ErrNameInUse
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return nil, ErrInitializationDone
	}
	if err := verifyName(name); err != nil {
		return nil, err
	}
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if !fieldValueRE.MatchString(v) {
				return nil, fmt.Errorf("%w: %q", ErrFieldValueContainsIllegalChar, v)
			}
		}
		n *= len(f.allowedValues)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		values:      make([]atomicbitops.Uint64, n),
	}
	uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is produced by calling value.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return ErrInitializationDone
	}
	if err := verifyName(name); err != nil {
		return err
	}
	customMetrics[name] = &customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %v", name, err))
	}
}

func (m *Uint64Metric) key(fieldValues []string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %s takes %d field values, got %d", m.name, len(m.fields), len(fieldValues)))
	}
	k := 0
	for i, f := range m.fields {
		k = k*len(f.allowedValues) + f.index(fieldValues[i])
	}
	return k
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Name returns the name of the metric.
func (m *Uint64Metric) Name() string {
	return m.name
}

// combinations calls fn with every field value combination of m, in key
// order.
func (m *Uint64Metric) combinations(fn func(key int, values []string)) {
	values := make([]string, len(m.fields))
	var walk func(i, key int)
	walk = func(i, key int) {
		if i == len(m.fields) {
			fn(key, values)
			return
		}
		f := m.fields[i]
		for j, v := range f.allowedValues {
			values[i] = v
			walk(i+1, key*len(f.allowedValues)+j)
		}
	}
	walk(0, 0)
}

// Snapshot returns the current value of every registered metric. Metrics with
// fields are reported once per field value combination, as
// name{field=value,...}.
func Snapshot() map[string]uint64 {
	mu.Lock()
	defer mu.Unlock()
	s := make(map[string]uint64, len(uint64Metrics)+len(customMetrics))
	for name, m := range uint64Metrics {
		m.combinations(func(key int, values []string) {
			s[name+fieldSuffix(m.fields, values)] = m.values[key].Load()
		})
	}
	for name, m := range customMetrics {
		s[name] = m.value()
	}
	return s
}

func fieldSuffix(fields []Field, values []string) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.name + "=" + values[i]
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// PrometheusName converts a metric name such as /uvm/vnode/get into the
// Prometheus form uvm_vnode_get.
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	m.combinations(func(key int, values []string) {
		pm := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[key].Load()))},
		}
		for i, f := range m.fields {
			pm.Label = append(pm.Label, &dto.LabelPair{
				Name:  proto.String(f.name),
				Value: proto.String(values[i]),
			})
		}
		mf.Metric = append(mf.Metric, pm)
	})
	return mf
}

func (m *customUint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
	}
	v := float64(m.value())
	if m.cumulative {
		mf.Type = dto.MetricType_COUNTER.Enum()
		mf.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}}
	} else {
		mf.Type = dto.MetricType_GAUGE.Enum()
		mf.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format, sorted by name.
func WritePrometheus(w io.Writer) error {
	mu.Lock()
	var families []*dto.MetricFamily
	for _, m := range uint64Metrics {
		families = append(families, m.family())
	}
	for _, m := range customMetrics {
		families = append(families, m.family())
	}
	mu.Unlock()

	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
