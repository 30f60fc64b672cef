package objectstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Client uploads audio bytes to the object storage gateway and returns
// the public URL of the stored object.
type Client struct {
	http   *resty.Client
	bucket string
}

func NewClient(baseURL, bucket string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		bucket: bucket,
	}
}

// Put stores data under key and returns the object URL.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(data).
		Put(fmt.Sprintf("/%s/%s", c.bucket, key))
	if err != nil {
		return "", recording.NewUploadError("connectivity", err.Error(), nil)
	}
	if resp.IsError() {
		return "", recording.NewUploadError(
			fmt.Sprintf("http_%d", resp.StatusCode()),
			fmt.Sprintf("object store rejected upload: %s", resp.Status()),
			map[string]interface{}{"body": string(resp.Body())},
		)
	}

	return fmt.Sprintf("%s/%s/%s", c.http.BaseURL, c.bucket, key), nil
}

// Fetch downloads a stored object by its URL.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, recording.NewUploadError("connectivity", err.Error(), nil)
	}
	if resp.IsError() {
		return nil, recording.NewUploadError(
			fmt.Sprintf("http_%d", resp.StatusCode()),
			fmt.Sprintf("object fetch failed: %s", resp.Status()),
			nil,
		)
	}
	return resp.Body(), nil
}
