package devtcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/ipmi"
)

// Client speaks the dev protocol from the other end, for test tooling.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

// Dial connects and authenticates against a dev front end.
func Dial(ctx context.Context, addr, username, password string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Errorf("connecting to %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		enc:     json.NewEncoder(conn),
	}
	if err := c.authenticate(username, password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(username, password string) error {
	if err := c.enc.Encode(authRequest{Username: username, Password: password}); err != nil {
		return errors.Errorf("sending auth: %w", err)
	}
	resp, err := c.read()
	if err != nil {
		return errors.Errorf("reading auth response: %w", err)
	}
	if resp.Code != uint8(ipmi.CompletionCodeOK) {
		return errors.Errorf("authentication failed: %s", resp.Error)
	}
	return nil
}

// Execute sends one request and reads its response.
func (c *Client) Execute(req Request) (Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return Response{}, errors.Errorf("sending request: %w", err)
	}
	return c.read()
}

func (c *Client) read() (Response, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, errors.Errorf("reading response: %w", err)
		}
		return Response{}, errors.New("connection closed")
	}
	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, errors.Errorf("parsing response: %w", err)
	}
	return resp, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
