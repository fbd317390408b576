package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// Client is the edge agent's Broadcast Client: a long-lived connection
// to the server bus. It authenticates on every (re)connect and
// never buffers readings itself — delivery guarantees live entirely in
// the Local Store + Retry Sender, not here.
type Client struct {
	serverURL string
	deviceKey string
	log       *ccflog.Logger

	conn  atomic.Pointer[nats.Conn]
	ready atomic.Bool // true once authenticate has succeeded on the current connection
}

// New constructs a Client; call Start to actually connect.
func New(serverURL, deviceKey string, log *ccflog.Logger) *Client {
	if log == nil {
		log = ccflog.New()
	}
	return &Client{serverURL: serverURL, deviceKey: deviceKey, log: log}
}

// reconnectBackoff implements a 5s..60s exponential backoff via nats.go's
// CustomReconnectDelay hook.
func reconnectBackoff(attempts int) time.Duration {
	d := 5 * time.Second
	for i := 0; i < attempts && d < 60*time.Second; i++ {
		d *= 2
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// Start connects and reconnects forever on drop until ctx is cancelled.
// It returns once nats.Connect returns; ctx does not bound that call.
// With RetryOnFailedConnect a failed initial dial is retried, like every
// later reconnect, on nats.go's own goroutine.
func (c *Client) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("ff-edge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(reconnectBackoff),
		nats.ConnectHandler(func(nc *nats.Conn) {
			// Fires when a first connect that was retried in the
			// background finally succeeds.
			c.authenticate(nc)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.ready.Store(false)
			if err != nil {
				c.log.Warnf("bus: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Infof("bus: reconnected to %s", nc.ConnectedUrl())
			c.authenticate(nc)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.ready.Store(false)
		}),
	}

	nc, err := nats.Connect(c.serverURL, opts...)
	if err != nil {
		// RetryOnFailedConnect keeps trying in the background even when
		// the initial dial fails; the caller should not treat this as
		// fatal to the Edge Supervisor, whose sensors run independently
		// of bus connectivity.
		c.log.Warnf("bus: initial connect failed, will keep retrying: %v", err)
		return nil
	}
	c.conn.Store(nc)
	c.authenticate(nc)

	go func() {
		<-ctx.Done()
		if conn := c.conn.Load(); conn != nil {
			conn.Close()
		}
	}()
	return nil
}

func (c *Client) authenticate(nc *nats.Conn) {
	req, err := json.Marshal(schema.AuthenticateRequest{DeviceKey: c.deviceKey})
	if err != nil {
		c.log.Errorf("bus: marshal authenticate request: %v", err)
		return
	}
	msg, err := nc.Request(SubjectAuthenticate, req, 5*time.Second)
	if err != nil {
		c.log.Warnf("bus: authenticate request failed: %v", err)
		c.ready.Store(false)
		return
	}
	var result schema.AuthResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		c.log.Errorf("bus: decode authenticate response: %v", err)
		return
	}
	if !result.OK {
		c.log.Errorf("bus: authenticate rejected: %s", result.Error)
		c.ready.Store(false)
		return
	}
	c.ready.Store(true)
	c.log.Info("bus: authenticated")
}

// Delivered reports the non-blocking outcome of Emit: whether the payload
// was handed off to the transport. No application-level acknowledgment is
// required here — at-least-once delivery comes from the Retry Sender.
type Delivered bool

const (
	NotDelivered Delivered = false
	HandedOff    Delivered = true
)

// Emit publishes one reading event. It never blocks on network I/O: NATS
// publish is buffered client-side, and when disconnected/unauthenticated
// Emit returns NotDelivered immediately without error.
func (c *Client) Emit(subject string, payload any) (Delivered, error) {
	nc := c.conn.Load()
	if nc == nil || !nc.IsConnected() || !c.ready.Load() {
		return NotDelivered, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return NotDelivered, err
	}
	if err := nc.Publish(subject, data); err != nil {
		return NotDelivered, nil
	}
	return HandedOff, nil
}

// EmitFootReading emits a foot_pressure_data event.
func (c *Client) EmitFootReading(r *schema.FootReading) (Delivered, error) {
	return c.Emit(SubjectFootPressure, schema.ToFootWireEvent(r))
}

// EmitAccelReading emits an accelerometer_data event.
func (c *Client) EmitAccelReading(r *schema.AccelReading) (Delivered, error) {
	return c.Emit(SubjectAccelerometer, schema.ToAccelWireEvent(r))
}

func (c *Client) Close() {
	if nc := c.conn.Load(); nc != nil {
		nc.Close()
	}
}
