package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/hotkey"
)

const writeTimeout = 2 * time.Second

// Client is the writer side of the control channel.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one edge. Sends are serialised so edges keep their order.
func (c *Client) Send(ev hotkey.Event) error {
	data, err := encodeFrame(ev)
	if err != nil {
		return fmt.Errorf("encode control frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("control client closed")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
