// Package face talks to the face verification service. Embedding
// extraction and comparison happen there; this client only posts the
// capture and reads the decision.
package face

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avvvet/library-services/internal/comm"
)

const defaultTimeout = 10 * time.Second

type verifyRequest struct {
	UserId int64  `json:"userId"`
	Image  string `json:"image"`
}

type verifyResponse struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message,omitempty"`
}

type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// Verify asks whether image shows userID. Any transport or protocol
// failure is returned as an error, never as a mismatch.
func (c *Client) Verify(ctx context.Context, userID int64, image string) (bool, float64, error) {
	body, err := comm.Marshal(verifyRequest{UserId: userID, Image: StripDataURL(image)})
	if err != nil {
		return false, 0, fmt.Errorf("encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("call face verifier: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, 0, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, 0, fmt.Errorf("face verifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out verifyResponse
	if err := comm.Unmarshal(data, &out); err != nil {
		return false, 0, fmt.Errorf("decode verify response: %w", err)
	}
	return out.Matched, out.Confidence, nil
}

// StripDataURL drops a "data:image/...;base64," prefix browsers add to captures.
func StripDataURL(image string) string {
	if strings.HasPrefix(image, "data:") {
		if i := strings.Index(image, ","); i >= 0 {
			return image[i+1:]
		}
	}
	return image
}
