// Package influxdb records computer telemetry in InfluxDB v2.
//
// Numeric and boolean top-level fields of every computer update become
// points in the computer_metrics measurement, tagged with the computer's
// storage key and the field name. Link open and close events go to
// computer_link.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("Turtle7", "fuel", 812)
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// failures are reported through SetOnError. Connection and health check
// errors are returned directly.
package influxdb
