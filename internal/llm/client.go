// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Completer sends one prompt and returns the model's free-form reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

var ErrEmptyReply = errors.New("model returned no choices")

type Client struct {
	http   *resty.Client
	apiURL string
	model  string
}

type Options struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
	Client  *resty.Client
}

type (
	chatRequest struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature"`
		Stream      bool      `json:"stream"`
	}
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	chatResponse struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	errorResponse struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
)

// NewClient creates a chat completion client. The api url and key are required.
func NewClient(opts Options) (*Client, error) {
	if opts.APIURL == "" {
		return nil, fmt.Errorf("llm api url is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	client := opts.Client
	if client == nil {
		client = resty.New()
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	client.SetAuthToken(opts.APIKey)
	client.SetHeader("Content-Type", "application/json")

	return &Client{
		http:   client,
		apiURL: opts.APIURL,
		model:  opts.Model,
	}, nil
}

// Complete sends prompt as a single user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var out chatResponse
	var apiErr errorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:    c.model,
			Messages: []Message{{Role: "user", Content: prompt}},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post(c.apiURL)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return "", fmt.Errorf("api returned non-200 status: %s, body: %s", resp.Status(), msg)
	}

	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}

	return out.Choices[0].Message.Content, nil
}
