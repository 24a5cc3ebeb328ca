package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/easysmart/iot-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout also bounds subscribe and unsubscribe acks.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds, as paho expects.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2
)

// Reasons carried by the core's own status messages.
const (
	reasonUnexpected = "unexpected_disconnect"
	reasonShutdown   = "graceful_shutdown"
)

// coreStatus is the retained payload on Topics.SystemStatus.
type coreStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(clientID, status, reason string, at time.Time) []byte {
	b, err := json.Marshal(coreStatus{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Only strings are marshalled.
		panic(err)
	}
	return b
}

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions creates paho options for the registry's broker link.
//
// The first connection is retried by ConnectWithRetry, so paho's own
// connect-retry is off; auto-reconnect covers connections dropped later.
// Sessions are clean: the router re-subscribes every pattern on reconnect.
// The Last Will marks the core offline if it disappears without Close.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		// Dispatch runs on router goroutines, so paho need not wait for
		// one handler before delivering the next message.
		SetOrderMatters(false)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	will := statusPayload(cfg.Broker.ClientID, "offline", reasonUnexpected, time.Now())
	opts.SetBinaryWill(Topics{}.SystemStatus(), will, willQoS(cfg.QoS), true)

	return opts
}

// willQoS clamps the configured QoS to a valid level.
func willQoS(qos int) byte {
	if qos < 0 || qos > maxQoS {
		return 1
	}
	return byte(qos)
}
