package mqtt

// SubscribeInbound subscribes to a pattern at the broker. Matching messages
// go to the handler set with SetInboundHandler. The pattern is remembered
// and replayed after a reconnect.
func (c *Client) SubscribeInbound(pattern string, qos byte) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	prev, had := c.subs[pattern]
	c.subs[pattern] = qos
	c.subMu.Unlock()

	if err := await(c.paho.Subscribe(pattern, qos, nil), ErrSubscribeFailed); err != nil {
		c.subMu.Lock()
		if had {
			c.subs[pattern] = prev
		} else {
			delete(c.subs, pattern)
		}
		c.subMu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeInbound drops a pattern. Messages already in flight may still
// be delivered.
func (c *Client) UnsubscribeInbound(pattern string) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subs, pattern)
	c.subMu.Unlock()

	return await(c.paho.Unsubscribe(pattern), ErrUnsubscribeFailed)
}

// Subscriptions returns the patterns currently held at the broker.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	out := make([]string, 0, len(c.subs))
	for p := range c.subs {
		out = append(out, p)
	}
	return out
}
