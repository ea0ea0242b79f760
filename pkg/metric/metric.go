// Copyright 2026 The gVisor Authors.
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
//
// Metrics are registered once by name, typically from package-level vars, and
// exported in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that the metric name is not of the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrInvalidFieldValue indicates that a field value was not declared as
	// allowed when the metric was created.
	ErrInvalidFieldValue = errors.New("metric field value is not allowed")
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

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
//
// A metric has at most one field. Each allowed value of the field gets its own
// counter.
type Uint64Metric struct {
	name        string
	description string
	field       *Field

	// values holds one counter per allowed field value, or a single counter
	// when the metric has no field.
	values []atomic.Uint64
}

var (
	// mu protects allMetrics.
	mu sync.Mutex

	// allMetrics are the registered metrics, by name.
	allMetrics = map[string]*Uint64Metric{}
)

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '/':
		default:
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if len(fields) > 1 {
		return nil, fmt.Errorf("%q: at most one field is supported, got %d", name, len(fields))
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
	}
	if len(fields) == 1 {
		f := fields[0]
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("%q field %q: %w", name, f.name, ErrFieldHasNoAllowedValues)
		}
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.allowedValues))
	} else {
		m.values = make([]atomic.Uint64, 1)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNameInUse)
	}
	allMetrics[name] = m
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

// index returns the counter index for the given field values.
func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %s has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %s wants exactly one field value, got %v", m.name, fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %s: %v: %q", m.name, ErrInvalidFieldValue, fieldValues[0]))
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// PrometheusName converts a metric name such as "/lazyfp/first_use" into its
// exported form, "lazyfp_first_use".
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for i := range m.values {
		metric := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.values[i].Load()))},
		}
		if m.field != nil {
			metric.Label = []*dto.LabelPair{{
				Name:  proto.String(m.field.name),
				Value: proto.String(m.field.allowedValues[i]),
			}}
		}
		mf.Metric = append(mf.Metric, metric)
	}
	return mf
}

// Snapshot returns the current value of every registered metric, ordered by
// name.
func Snapshot() []*dto.MetricFamily {
	mu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	metrics := make([]*Uint64Metric, len(names))
	for i, name := range names {
		metrics[i] = allMetrics[name]
	}
	mu.Unlock()

	families := make([]*dto.MetricFamily, len(metrics))
	for i, m := range metrics {
		families[i] = m.family()
	}
	return families
}

// WriteText writes a snapshot of all metrics to w in the Prometheus text
// format. It returns the number of bytes written.
func WriteText(w io.Writer) (int, error) {
	total := 0
	for _, mf := range Snapshot() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += n
		if err != nil {
			return total, fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return total, nil
}
