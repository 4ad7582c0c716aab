package framework

import (
	"context"
	"time"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/facade"
	"github.com/cuemby/ocapkernel/pkg/types"
	"github.com/cuemby/ocapkernel/pkg/vatbundle"
)

// Client wraps the Facade client with test-friendly methods built on top
// of its JSON-RPC surface (pkg/facade.Client), the same wrapping role
// this package's Client played over the teacher's gRPC client.
type Client struct {
	*facade.Client
}

// NewClient creates a new test client wrapper
func NewClient(c *facade.Client) *Client {
	return &Client{Client: c}
}

// LaunchVat launches a vat running one of pkg/vatprogram's built-in
// programs ("echo" or "counter") and returns its ID and root kref.
func (c *Client) LaunchVat(ctx context.Context, spec VatSpec) (vatID, rootKref string, err error) {
	result, err := c.Client.LaunchVat(ctx, facade.LaunchVatParams{
		Bundle:     vatbundle.Bundle{Format: vatbundle.FormatNative, Code: spec.Program},
		Parameters: spec.Parameters,
		Subcluster: spec.Subcluster,
	})
	if err != nil {
		return "", "", err
	}
	return result.VatID, result.RootObject, nil
}

// Send marshals args and queues a message to targetKref, blocking until
// the result promise settles, then unmarshals the resolution back.
func (c *Client) Send(ctx context.Context, targetKref, method string, args any) (resolution any, isRejection bool, err error) {
	capArgs, err := capdata.Marshal(args)
	if err != nil {
		return nil, false, err
	}
	result, err := c.Client.QueueMessage(ctx, facade.QueueMessageParams{
		TargetKref: targetKref,
		Method:     method,
		Args:       capArgs,
	})
	if err != nil {
		return nil, false, err
	}
	return result.Resolution, result.IsRejection, nil
}

// SendRef is a convenience for Send that passes a single capability
// reference (as a capdata.Slot) as the sole argument, for exercising
// object introduction across vats.
func (c *Client) SendRef(ctx context.Context, targetKref, method, refKref string) (resolution any, isRejection bool, err error) {
	ref, parseErr := types.ParseRef(refKref)
	if parseErr != nil {
		return nil, false, parseErr
	}
	return c.Send(ctx, targetKref, method, capdata.Slot{Ref: ref})
}

// CallWithTimeout runs fn with a bounded context, the shape every e2e
// test in this package uses instead of leaving calls to run unbounded.
func (c *Client) CallWithTimeout(timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx)
}
