package modbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenSolarCollector/internal/metrics"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
)

type namedSink struct {
	name   string
	sink   Sink
	mirror bool
}

// FanoutSink forwards each measurement to every registered sink. A failing
// sink does not stop the others. Only primary sinks decide whether a
// measurement counts as stored; mirror failures are logged and counted.
type FanoutSink struct {
	logger *zap.Logger
	sinks  []namedSink
}

func NewFanoutSink(logger *zap.Logger) *FanoutSink {
	return &FanoutSink{logger: logger}
}

// Add registers a primary sink. Not safe to call while a cycle is running.
func (f *FanoutSink) Add(name string, sink Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
}

// AddMirror registers a best-effort sink whose errors never reach the poller.
func (f *FanoutSink) AddMirror(name string, sink Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink, mirror: true})
}

func (f *FanoutSink) Append(ctx context.Context, m types.Measurement) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Append(ctx, m); err != nil {
			metrics.IncStoreWrite(s.name, metrics.ResultError)
			f.logger.Warn("Sink write failed",
				zap.String("sink", s.name),
				zap.Int("device_id", m.DeviceID),
				zap.Error(err))
			if !s.mirror {
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
			continue
		}
		metrics.IncStoreWrite(s.name, metrics.ResultSuccess)
	}
	return errors.Join(errs...)
}
