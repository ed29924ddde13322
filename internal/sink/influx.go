package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Influx records switch states, motion and alerts as time series.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
	w      *worker
}

// NewInflux connects to InfluxDB and opens a batching write API.
func NewInflux(cfg InfluxConfig, logger *slog.Logger) (*Influx, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	i := newInflux(writeAPI, logger)
	i.client = client
	go func() {
		for err := range writeAPI.Errors() {
			i.logger.Warn("influxdb write", "err", err)
		}
	}()
	return i, nil
}

func newInflux(writer pointWriter, logger *slog.Logger) *Influx {
	i := &Influx{writer: writer, logger: logger.With("component", "influxdb")}
	i.w = newWorker("influxdb", i.handle, i.logger)
	return i
}

// Start subscribes to bus.
func (i *Influx) Start(bus Subscriber) {
	i.w.start(bus)
	i.logger.Info("influxdb sink started")
}

// Stop drains the queue, flushes pending points and closes the client.
func (i *Influx) Stop() {
	i.w.stop()
	i.writer.Flush()
	if i.client != nil {
		i.client.Close()
	}
}

func (i *Influx) handle(_ context.Context, e events.Event) {
	switch d := e.Data.(type) {
	case events.StateChange:
		if d.State == nil {
			return
		}
		ts := d.TS
		if ts.IsZero() {
			ts = time.Now()
		}
		for _, sw := range d.State.Switches {
			state := 0
			if sw.State {
				state = 1
			}
			i.writer.WritePoint(write.NewPoint("switch_state",
				map[string]string{
					"device":   d.DeviceID,
					"switch":   sw.ID,
					"type":     sw.Type,
					"category": sw.Category(),
					"location": d.State.Location,
					"source":   d.Source,
				},
				map[string]interface{}{"state": state},
				ts))
		}
	case events.Motion:
		i.writer.WritePoint(write.NewPoint("motion",
			map[string]string{"device": d.DeviceID},
			map[string]interface{}{"triggered": 1},
			d.At))
	case *store.SecurityAlert:
		i.writer.WritePoint(write.NewPoint("alert",
			map[string]string{"type": d.Type, "severity": d.Severity},
			map[string]interface{}{"count": 1, "message": d.Message},
			d.CreatedAt))
	}
}
