package mqtt

import (
	"fmt"
	"strings"
)

// maxPayloadSize caps outbound messages at 1 MB.
const maxPayloadSize = 1 << 20

// Publish sends payload to a concrete topic and waits for the broker's
// acknowledgement. Wildcard topics are rejected.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "" || strings.ContainsAny(topic, "+#"):
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}

	return await(c.paho.Publish(topic, qos, retained, payload), ErrPublishFailed)
}
