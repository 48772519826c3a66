// Package history is the built-in state history integration: it
// subscribes to state changes and records them as time-series points
// in InfluxDB, flushing on the final-write shutdown stage.
package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/openhearth/hearth-core/internal/core"
	"github.com/openhearth/hearth-core/internal/loader"
)

// Domain is the integration domain.
const Domain = "history"

const measurement = "state"

// seriesWriter is the slice of the influx write API the integration
// uses.
type seriesWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// newWriter builds the influx writer and its closer; replaced in
// tests.
var newWriter = func(url, token, org, bucket string) (seriesWriter, func()) {
	client := influxdb2.NewClient(url, token)
	return client.WriteAPI(org, bucket), client.Close
}

// Manifest describes the integration. It prefers to start after mqtt
// so broker-backed entities exist before recording begins, without
// requiring mqtt to be configured.
func Manifest() loader.Manifest {
	return loader.Manifest{
		Domain:            Domain,
		Name:              "History",
		AfterDependencies: []string{"mqtt"},
	}
}

// Register adds the integration to the registry.
func Register(registry *loader.Registry) error {
	return registry.Register(Manifest(), &Component{})
}

// Component implements the history integration.
type Component struct {
	writer seriesWriter
	close  func()
}

// Setup opens the influx writer and subscribes to state changes.
//
// Config keys: url, token, org, bucket.
func (c *Component) Setup(ctx context.Context, ctrl *core.Controller, conf map[string]any) error {
	url, _ := conf["url"].(string)
	if url == "" {
		url = "http://localhost:8086"
	}
	token, _ := conf["token"].(string)
	org, _ := conf["org"].(string)
	bucket, _ := conf["bucket"].(string)
	if bucket == "" {
		bucket = "hearth"
	}

	writer, closer := newWriter(url, token, org, bucket)
	if writer == nil {
		return fmt.Errorf("history: no writer for %s", url)
	}
	c.writer = writer
	c.close = closer

	if _, err := ctrl.Bus().Listen(core.EventStateChanged, c.recordStateChange); err != nil {
		return err
	}

	// Flush buffered points during the final-write stage; the client
	// closes on the close event.
	if _, err := ctrl.Bus().Listen(core.EventHearthFinalWrite,
		func(context.Context, core.Event) error {
			c.writer.Flush()
			return nil
		}); err != nil {
		return err
	}
	if _, err := ctrl.Bus().Listen(core.EventHearthClose,
		func(context.Context, core.Event) error {
			if c.close != nil {
				c.close()
			}
			return nil
		}); err != nil {
		return err
	}
	return nil
}

// recordStateChange turns one state_changed event into a point.
func (c *Component) recordStateChange(_ context.Context, ev core.Event) error {
	newState, _ := ev.Data[core.AttrNewState].(*core.State)
	if newState == nil {
		// Removal events carry no new state; nothing to record.
		return nil
	}

	point := influxdb2.NewPoint(measurement,
		map[string]string{
			"entity_id": newState.EntityID,
			"domain":    newState.Domain(),
		},
		pointFields(newState),
		pointTime(ev),
	)
	c.writer.WritePoint(point)
	return nil
}

func pointFields(s *core.State) map[string]any {
	fields := map[string]any{"state": s.State}
	for k, v := range s.Attributes {
		switch v.(type) {
		case float64, int, int64, bool, string:
			fields["attr_"+k] = v
		}
	}
	return fields
}

func pointTime(ev core.Event) time.Time {
	if !ev.TimeFired.IsZero() {
		return ev.TimeFired
	}
	return time.Now().UTC()
}
