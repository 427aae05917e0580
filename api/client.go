package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/hid-io/hidiod/protocol/commands"
)

/*Client speaks the RPC surface from the client side.

The daemon's certificate is freshly self-signed on every start, so the client
skips chain verification; authority comes from the shared-secret handshake,
and the connection never leaves localhost.
*/
type Client struct {
	base  string
	http  *http.Client
	token string

	// Session is filled in by Basic/Auth
	Session Session
}

// NewClient targets a daemon at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		base: "https://" + addr,
		http: &http.Client{
			Transport: &http.Transport{
				// the daemon mints a throwaway cert per start; the key
				// handshake is the authority here
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("api: %s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("api: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// KeyPaths asks the daemon where its key files live.
func (c *Client) KeyPaths(ctx context.Context) (basic, auth string, err error) {
	var reply keyReply
	err = c.do(ctx, http.MethodGet, "/v1/key", nil, &reply)
	return reply.BasicKeyPath, reply.AuthKeyPath, err
}

// Basic performs the read-only handshake, reading the basic key file itself.
func (c *Client) Basic(ctx context.Context, name string) error {
	basic, _, err := c.KeyPaths(ctx)
	if err != nil {
		return err
	}
	key, err := ReadKeyFile(basic)
	if err != nil {
		return errors.Wrap(err, "reading basic key")
	}
	return c.handshake(ctx, "/v1/basic", name, key)
}

// Auth performs the full handshake, reading the auth key file itself.
func (c *Client) Auth(ctx context.Context, name string) error {
	_, auth, err := c.KeyPaths(ctx)
	if err != nil {
		return err
	}
	key, err := ReadKeyFile(auth)
	if err != nil {
		return errors.Wrap(err, "reading auth key")
	}
	return c.handshake(ctx, "/v1/auth", name, key)
}

func (c *Client) handshake(ctx context.Context, path, name, key string) error {
	var sess Session
	err := c.do(ctx, http.MethodPost, path, handshakeRequest{Name: name, Key: key}, &sess)
	if err != nil {
		return err
	}
	c.token = sess.Token
	c.Session = sess
	return nil
}

// Logout ends the session, unregistering the client node.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/session", nil, nil)
}

// Nodes lists the daemon's registered endpoints.
func (c *Client) Nodes(ctx context.Context) ([]NodeView, error) {
	var nodes []NodeView
	err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &nodes)
	return nodes, err
}

// NodeView mirrors the server's node projection.
type NodeView struct {
	Uid         uint64 `json:"uid"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Serial      string `json:"serial"`
	Path        string `json:"path,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Created     string `json:"created"`
}

// SupportedIds queries a node's command id list.
func (c *Client) SupportedIds(ctx context.Context, uid uint64) ([]commands.ID, error) {
	var reply struct {
		Ids []commands.ID `json:"ids"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/supported-ids", uid), nil, &reply)
	return reply.Ids, err
}

// TestPacket round-trips data through a node.
func (c *Client) TestPacket(ctx context.Context, uid uint64, data []byte) ([]byte, error) {
	var reply struct {
		Data []byte `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/test-packet", uid),
		commandBody{Data: data}, &reply)
	return reply.Data, err
}

// Info queries a node's GetInfo properties.
func (c *Client) Info(ctx context.Context, uid uint64) (DeviceInfo, error) {
	var info DeviceInfo
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/info", uid), nil, &info)
	return info, err
}

// FlashMode puts a node into flash mode.
func (c *Client) FlashMode(ctx context.Context, uid uint64) (uint16, error) {
	var reply struct {
		Scancode uint16 `json:"scancode"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/flash-mode", uid), nil, &reply)
	return reply.Scancode, err
}

// SleepMode puts a node to sleep.
func (c *Client) SleepMode(ctx context.Context, uid uint64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/sleep-mode", uid), nil, nil)
}

// CliCommand runs a command line on a node's terminal.
func (c *Client) CliCommand(ctx context.Context, uid uint64, line string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/cli-command", uid),
		commandBody{Line: line}, nil)
}

// ManufacturingTest starts a manufacturing test on a node.
func (c *Client) ManufacturingTest(ctx context.Context, uid uint64, cmd, arg uint16) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/manufacturing-test", uid),
		commandBody{Command: cmd, Arg: arg}, nil)
}

// PixelSetting drives a node's pixel pipeline controls.
func (c *Client) PixelSetting(ctx context.Context, uid uint64, cmd, arg uint16) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/pixel-setting", uid),
		commandBody{Command: cmd, Arg: arg}, nil)
}

// PixelSet writes raw pixel data to a node.
func (c *Client) PixelSet(ctx context.Context, uid uint64, addr uint16, data []byte) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/pixel-set", uid),
		commandBody{Address: addr, Data: data}, nil)
}

// SignalEvent mirrors the server's streamed event.
type SignalEvent struct {
	SrcUid  uint64 `json:"srcUid,omitempty"`
	SrcKind string `json:"srcKind,omitempty"`
	Id      uint32 `json:"id"`
	Name    string `json:"name"`
	Ptype   string `json:"ptype"`
	Data    []byte `json:"data,omitempty"`
	Text    string `json:"text,omitempty"`
}

// stream opens an NDJSON stream and hands each event to fn until the stream
// ends, fn returns false, or ctx is cancelled.
func (c *Client) stream(ctx context.Context, path string, fn func(SignalEvent) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: status %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev SignalEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return err
		}
		if !fn(ev) {
			return nil
		}
	}
	return sc.Err()
}

// NodeSignals streams a device's signal packets.
func (c *Client) NodeSignals(ctx context.Context, uid uint64, fn func(SignalEvent) bool) error {
	return c.stream(ctx, fmt.Sprintf("/v1/nodes/%d/signals", uid), fn)
}

// DaemonSignals streams the daemon node's packets.
func (c *Client) DaemonSignals(ctx context.Context, fn func(SignalEvent) bool) error {
	return c.stream(ctx, "/v1/daemon/signals", fn)
}

// Watch streams every mailbox packet (Debug sessions only).
func (c *Client) Watch(ctx context.Context, fn func(SignalEvent) bool) error {
	return c.stream(ctx, "/v1/watch", fn)
}
