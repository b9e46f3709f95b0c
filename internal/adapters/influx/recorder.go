// Package influx records device state history to InfluxDB.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

const (
	measurement   = "gdo_state"
	pingTimeout   = 10 * time.Second
	batchSize     = 50
	flushInterval = 5000 // milliseconds
	changeBuffer  = 256
)

var ErrConnectionFailed = errors.New("influx: connection failed")

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Subscriber is the source of state changes.
type Subscriber interface {
	Subscribe(buffer int) *state.Subscription
}

type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger
}

// Connect pings the server and prepares a non-blocking write API.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushInterval))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With("component", "influx"),
	}
	go r.logWriteErrors(r.writeAPI.Errors())
	return r, nil
}

// Run writes a point for every change until ctx ends, then flushes.
func (r *Recorder) Run(ctx context.Context, source Subscriber) error {
	sub := source.Subscribe(changeBuffer)
	defer sub.Close()
	defer r.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			for _, point := range Points(change) {
				r.writeAPI.WritePoint(point)
			}
		}
	}
}

func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}

func (r *Recorder) logWriteErrors(errs <-chan error) {
	for err := range errs {
		r.logger.Warn("history write failed", "err", err)
	}
}

// Points converts a change into gdo_state points. A state change yields one
// point for its attribute; bootstrap and stale changes yield one per
// capability so the stale flag is recorded for each series.
func Points(change state.Change) []*write.Point {
	device := change.Device
	if change.Kind == state.ChangeState && change.Attribute != "" {
		return []*write.Point{point(device, change.Attribute)}
	}
	var out []*write.Point
	for _, attr := range []model.Attribute{model.AttributeDoor, model.AttributeLight} {
		if device.HasCapability(attr.Capability()) {
			out = append(out, point(device, attr))
		}
	}
	return out
}

func point(device model.Device, attr model.Attribute) *write.Point {
	stored := device.Attributes[attr]
	source := stored.Source
	if source == "" {
		source = device.LastSource
	}
	at := stored.UpdatedAt
	if at.IsZero() {
		at = device.LastUpdate
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"device_id": device.ID,
			"attribute": string(attr),
			"source":    string(source),
		},
		map[string]interface{}{
			"value": device.Value(attr),
			"stale": device.Stale,
		},
		at,
	)
}
