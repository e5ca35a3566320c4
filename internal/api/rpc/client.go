package rpc

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls the queue service over Connect. The base URL points at
// the daemon's RPC prefix, e.g. http://localhost:8086/rpc.
type Client struct {
	submit *connect.Client[SubmitRequest, SubmitResponse]
	status *connect.Client[StatusRequest, StatusResponse]
	stats  *connect.Client[StatsRequest, StatsResponse]
}

// NewClient creates a queue service client against baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	codec := connect.WithCodec(jsonCodec{})
	return &Client{
		submit: connect.NewClient[SubmitRequest, SubmitResponse](httpClient, baseURL+ProcedureSubmit, codec),
		status: connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+ProcedureStatus, codec),
		stats:  connect.NewClient[StatsRequest, StatsResponse](httpClient, baseURL+ProcedureStats, codec),
	}
}

// Submit enqueues one conversion job.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	resp, err := c.submit.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Status fetches the current snapshot of a work item.
func (c *Client) Status(ctx context.Context, itemID string) (*Item, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{ItemID: itemID}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Item, nil
}

// Stats fetches queue-wide counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	resp, err := c.stats.CallUnary(ctx, connect.NewRequest(&StatsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
