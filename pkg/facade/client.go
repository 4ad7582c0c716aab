package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/vathealth"
)

// Client is a synchronous JSON-RPC2 client for one Facade connection:
// one request in flight at a time, the same unary-call-per-command shape
// the teacher's pkg/client used over gRPC, just carried over the
// Facade's own wire format instead of a generated stub.
type Client struct {
	conn   net.Conn
	dec    *json.Decoder
	nextID uint64
}

// Dial opens a Facade connection. network/addr are passed straight to
// net.Dial: "unix" + a socket path for a local kernel, "tcp" + host:port
// for a remote one.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial facade at %s: %w", addr, err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := atomic.AddUint64(&c.nextID, 1)
	req := Request{JSONRPC: jsonrpcVersion, Method: method, Params: raw, ID: id}
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.Error != nil {
		if resp.Error.Data != nil {
			return resp.Error.Data
		}
		return kernelerr.New(kernelerr.Internal, resp.Error.Message)
	}
	if result == nil {
		return nil
	}
	resultRaw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("re-encode %s result: %w", method, err)
	}
	return json.Unmarshal(resultRaw, result)
}

// GetStatus reports kernel population, queue depths, and HA/remote summaries.
func (c *Client) GetStatus(ctx context.Context) (StatusResult, error) {
	var result StatusResult
	err := c.call(ctx, "getStatus", struct{}{}, &result)
	return result, err
}

// LaunchVat starts a new vat from bundle and returns its ID and root kref.
func (c *Client) LaunchVat(ctx context.Context, params LaunchVatParams) (LaunchVatResult, error) {
	var result LaunchVatResult
	err := c.call(ctx, "launchVat", params, &result)
	return result, err
}

// RestartVat bounces vatID's worker process in place.
func (c *Client) RestartVat(ctx context.Context, vatID string) error {
	return c.call(ctx, "restartVat", vatIDParams{VatID: vatID}, nil)
}

// TerminateVat tears vatID down and rejects every promise it was deciding.
func (c *Client) TerminateVat(ctx context.Context, vatID string) error {
	return c.call(ctx, "terminateVat", vatIDParams{VatID: vatID}, nil)
}

// PingVat reports whether vatID's supervisor connection is currently live.
func (c *Client) PingVat(ctx context.Context, vatID string) (vathealth.Result, error) {
	var result vathealth.Result
	err := c.call(ctx, "pingVat", vatIDParams{VatID: vatID}, &result)
	return result, err
}

// LaunchSubcluster launches a bootstrap vat and groups its later children
// under the returned subcluster ID.
func (c *Client) LaunchSubcluster(ctx context.Context, params LaunchSubclusterParams) (LaunchSubclusterResult, error) {
	var result LaunchSubclusterResult
	err := c.call(ctx, "launchSubcluster", params, &result)
	return result, err
}

// TerminateSubcluster tears down every vat in subclusterID.
func (c *Client) TerminateSubcluster(ctx context.Context, subclusterID string) error {
	return c.call(ctx, "terminateSubcluster", subclusterIDParams{SubclusterID: subclusterID}, nil)
}

// ReloadSubcluster restarts every vat in subclusterID in place.
func (c *Client) ReloadSubcluster(ctx context.Context, subclusterID string) error {
	return c.call(ctx, "reloadSubcluster", subclusterIDParams{SubclusterID: subclusterID}, nil)
}

// QueueMessage sends an external, non-vat message and waits for it to settle.
func (c *Client) QueueMessage(ctx context.Context, params QueueMessageParams) (QueueMessageResult, error) {
	var result QueueMessageResult
	err := c.call(ctx, "queueMessage", params, &result)
	return result, err
}

// Inspect returns the raw JSON of whatever record kref names, for the CLI
// to print or a test to assert against; the shape depends on kref's kind.
func (c *Client) Inspect(ctx context.Context, kref string) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.call(ctx, "inspect", inspectParams{Kref: kref}, &result)
	return result, err
}

// ClearState wipes the entire kernel store. Operator/test use only.
func (c *Client) ClearState(ctx context.Context) error {
	return c.call(ctx, "clearState", struct{}{}, nil)
}

// ExecuteDBQuery runs a read-only SQL statement against the kernel's kv store.
func (c *Client) ExecuteDBQuery(ctx context.Context, query string) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.call(ctx, "executeDBQuery", executeDBQueryParams{Query: query}, &result)
	return result, err
}

// IssueURL mints an ocap URL bound to kref.
func (c *Client) IssueURL(ctx context.Context, kref string) (string, error) {
	var result struct {
		URL string `json:"url"`
	}
	err := c.call(ctx, "issueURL", issueURLParams{Kref: kref}, &result)
	return result.URL, err
}

// RedeemURL redeems an ocap URL issued by a peer kernel, returning the
// local kref now bound to it.
func (c *Client) RedeemURL(ctx context.Context, url string, peerPubKey []byte, peerAddrs []string) (string, error) {
	var result struct {
		Kref string `json:"kref"`
	}
	err := c.call(ctx, "redeemURL", redeemURLParams{URL: url, PeerPubKey: peerPubKey, PeerAddrs: peerAddrs}, &result)
	return result.Kref, err
}
