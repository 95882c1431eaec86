// Package outline builds stream dialers from outline transport configs,
// used when the telemt metrics endpoint is only reachable through a tunnel.
package outline

import (
	"context"
	"fmt"
	"net"

	"golang.getoutline.org/sdk/transport"
	"golang.getoutline.org/sdk/x/configurl"
)

// Client dials through a transport such as "ss://..." or "socks5://host:port".
// An empty transport config dials directly.
type Client struct {
	dialer transport.StreamDialer
}

func NewClient(ctx context.Context, transportConfig string) (*Client, error) {
	dialer, err := configurl.NewDefaultProviders().NewStreamDialer(ctx, transportConfig)
	if err != nil {
		return nil, fmt.Errorf("outline: creating stream dialer: %w", err)
	}
	return &Client{dialer: dialer}, nil
}

func (c *Client) DialStream(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialStream(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
