package mqtt

import "errors"

// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided, or a
	// publish topic contains wildcards.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidPattern is returned for subscription patterns with a
	// misplaced wildcard ("a/#/b", "a/b+").
	ErrInvalidPattern = errors.New("mqtt: invalid topic pattern")

	// ErrRouterStopped is returned by router operations after Stop.
	ErrRouterStopped = errors.New("mqtt: router stopped")
)
