// Package mqtt owns the broker connection and the topic router.
//
// The Client wraps paho.mqtt.golang: it connects with a supervised retry
// loop, reconnects automatically, restores subscriptions and publishes a
// retained online/offline status (with a Last Will for crashes).
//
// The Router sits on top of the Client. It maps topic patterns ("+" for
// one segment, a final "#" for the rest) to handlers, dispatches each
// inbound message on its own goroutine to every matching handler, and
// isolates handler errors and panics from one another.
//
//	client, err := mqtt.ConnectWithRetry(ctx, cfg.MQTT, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	router := mqtt.NewRouter(client, mqtt.RouterOptions{QoS: 1, Logger: logger})
//	router.Subscribe("devices/+/status", handleStatus)
//	router.Start(ctx)
//
// Topic naming: devices/{TOKEN}/{entity_id}/state for state reports and
// devices/{TOKEN}/{entity_id}/set for commands. TOKEN is the device
// identifier with everything outside [A-Za-z0-9] removed, upper-cased.
package mqtt
