package client

// LifecycleHooks lets a caller observe tunnel state transitions without
// scraping log or display output. Used by the soak-test runner to track
// many concurrently running clients. Any unset callback is a no-op.
type LifecycleHooks struct {
	OnTunnelReady     func(TunnelReadyEvent)
	OnRegisterFailure func(RegisterFailureEvent)
	OnSessionDrop     func(SessionDisconnectEvent)
}

// TunnelReadyEvent fires once per successful registration, before the
// control session starts forwarding traffic.
type TunnelReadyEvent struct {
	TunnelID      string
	PublicURL     string
	ServerVersion string
}

// RegisterFailureEvent fires whenever a registration attempt fails.
// WillRetry mirrors the same retry decision [Client.Run] makes internally.
type RegisterFailureEvent struct {
	Err       error
	WillRetry bool
}

// SessionDisconnectEvent fires when an established control session ends,
// whether from a network error or the server closing the connection.
type SessionDisconnectEvent struct {
	Err error
}

func (c *Client) notifyTunnelReady(evt TunnelReadyEvent) {
	if c.hooks.OnTunnelReady != nil {
		c.hooks.OnTunnelReady(evt)
	}
}

func (c *Client) notifyRegisterFailure(evt RegisterFailureEvent) {
	if c.hooks.OnRegisterFailure != nil {
		c.hooks.OnRegisterFailure(evt)
	}
}

func (c *Client) notifySessionDrop(evt SessionDisconnectEvent) {
	if c.hooks.OnSessionDrop != nil {
		c.hooks.OnSessionDrop(evt)
	}
}
