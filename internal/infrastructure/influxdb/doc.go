// Package influxdb records graylink connection events in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. A connected Client
// is an events.Listener: registered as a global listener on the
// connection registry, it writes one point per event to the
// connection_events measurement, tagged by connection key, event kind
// and outcome.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	remove := registry.AddGlobalListener(client)
//	defer remove()
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Writes are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
