package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/voxnote-ai/engine/pkg/recording"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Payload is the JSON body delivered to the configured endpoint once a
// recording is transcribed. Delivery is at-least-once; receivers are
// expected to deduplicate by id.
type Payload struct {
	ID                  string  `json:"id"`
	Timestamp           string  `json:"timestamp"`
	Duration            float64 `json:"duration"`
	Transcript          string  `json:"transcript"`
	CorrectedTranscript string  `json:"correctedTranscript"`
	AudioURL            string  `json:"audioUrl"`
}

// Sender delivers webhook payloads with a single POST. When a token URL
// is configured, requests carry an OAuth2 client-credentials bearer
// token.
type Sender struct {
	http     *resty.Client
	endpoint string
	tokens   oauth2.TokenSource
}

func NewSender(endpoint string, timeout time.Duration) *Sender {
	return &Sender{
		http:     resty.New().SetTimeout(timeout),
		endpoint: endpoint,
	}
}

// WithClientCredentials enables bearer-token auth for deliveries.
func (s *Sender) WithClientCredentials(tokenURL, clientID, clientSecret string) *Sender {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	s.tokens = cc.TokenSource(context.Background())
	return s
}

// Configured reports whether an endpoint is set. When it is not, the
// webhook stage is skipped entirely.
func (s *Sender) Configured() bool {
	return s.endpoint != ""
}

// Send posts the payload. Any non-2xx response or transport error is a
// delivery failure.
func (s *Sender) Send(ctx context.Context, payload Payload) error {
	req := s.http.R().
		SetContext(ctx).
		SetBody(payload)

	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return recording.NewWebhookError("auth", fmt.Sprintf("fetching delivery token: %v", err), nil)
		}
		req.SetAuthToken(token.AccessToken)
	}

	resp, err := req.Post(s.endpoint)
	if err != nil {
		return recording.NewWebhookError("connectivity", err.Error(), nil)
	}
	if resp.IsError() {
		return recording.NewWebhookError(
			fmt.Sprintf("http_%d", resp.StatusCode()),
			fmt.Sprintf("webhook endpoint returned %s", resp.Status()),
			map[string]interface{}{"body": string(resp.Body())},
		)
	}

	return nil
}
