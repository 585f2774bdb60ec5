package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementComputer = "computer_metrics"
	MeasurementLink     = "computer_link"
)

// WriteDeviceMetric records one numeric field of a computer update.
//
// deviceID is the computer's storage key (name followed by id) and field is
// the top-level update field the value came from. Booleans arrive as 0 or 1.
//
// Example:
//
//	client.WriteDeviceMetric("Turtle7", "fuel", 812)
func (c *Client) WriteDeviceMetric(deviceID, field string, value float64) {
	c.WritePoint(MeasurementComputer,
		map[string]string{
			"computer": deviceID,
			"field":    field,
		},
		map[string]any{
			"value": value,
		},
	)
}

// WriteLinkEvent records a computer link opening or closing.
func (c *Client) WriteLinkEvent(remoteAddr string, connected bool) {
	state := int64(0)
	if connected {
		state = 1
	}
	c.WritePoint(MeasurementLink,
		map[string]string{"remote": remoteAddr},
		map[string]any{"connected": state},
	)
}

// WritePoint writes a point stamped with the current time.
// Dropped silently when the client is not connected.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
	c.points.Add(1)
}
