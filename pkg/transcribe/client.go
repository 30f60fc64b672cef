package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Client calls the external transcription service: one blocking call to
// turn audio bytes into a transcript, one to correct the transcript and
// generate a title.
type Client struct {
	http  *resty.Client
	model string
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	if apiKey != "" {
		http.SetAuthToken(apiKey)
	}
	return &Client{http: http, model: model}
}

type transcriptionResponse struct {
	JobID      string `json:"job_id"`
	Transcript string `json:"transcript"`
}

type correctionRequest struct {
	Transcript string `json:"transcript"`
}

type correctionResponse struct {
	Corrected string `json:"corrected"`
	Title     string `json:"title"`
}

// Transcribe submits audio bytes and blocks for the transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (transcript, jobID string, err error) {
	var out transcriptionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("model", c.model).
		SetBody(audio).
		SetResult(&out).
		Post("/v1/transcriptions")
	if err != nil {
		return "", "", recording.NewTranscribeError("connectivity", err.Error(), nil)
	}
	if resp.IsError() {
		return "", "", recording.NewTranscribeError(
			fmt.Sprintf("http_%d", resp.StatusCode()),
			fmt.Sprintf("transcription rejected: %s", resp.Status()),
			map[string]interface{}{"body": string(resp.Body())},
		)
	}

	return out.Transcript, out.JobID, nil
}

// Correct cleans up a raw transcript and generates a title for it.
func (c *Client) Correct(ctx context.Context, transcript string) (corrected, title string, err error) {
	var out correctionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(correctionRequest{Transcript: transcript}).
		SetResult(&out).
		Post("/v1/corrections")
	if err != nil {
		return "", "", recording.NewTranscribeError("connectivity", err.Error(), nil)
	}
	if resp.IsError() {
		return "", "", recording.NewTranscribeError(
			fmt.Sprintf("http_%d", resp.StatusCode()),
			fmt.Sprintf("correction rejected: %s", resp.Status()),
			map[string]interface{}{"body": string(resp.Body())},
		)
	}

	return out.Corrected, out.Title, nil
}
