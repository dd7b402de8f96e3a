package transfer

import (
	"context"
	"io"

	"github.com/italolelis/artifactd/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

var _ Client = (*InstrumentedClient)(nil)

// NewInstrumentedClient creates a new instrumented transfer client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Head probes the remote size with telemetry.
func (c *InstrumentedClient) Head(ctx context.Context, url string) (*RemoteFile, error) {
	var result *RemoteFile

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "head", func(ctx context.Context) error {
		var err error

		result, err = c.client.Head(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Get opens the remote stream with telemetry. Only establishing the stream is
// measured; reading the body is accounted for by the downloader.
func (c *InstrumentedClient) Get(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "get", func(ctx context.Context) error {
		var err error

		result, err = c.client.Get(ctx, url, offset)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
