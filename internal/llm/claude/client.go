// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/inquest/internal/llm"
)

const (
	maxAttempts     = 4
	initialInterval = 500 * time.Millisecond
	maxInterval     = 8 * time.Second
)

// price is USD per million tokens.
type price struct {
	in  float64
	out float64
}

// modelPrices covers the models the router tiers map to. Unknown models
// cost 0 rather than guessing; the outcome ledger still records latency.
var modelPrices = map[string]price{
	"claude-haiku-3-5-20241022":  {in: 0.80, out: 4.00},
	"claude-sonnet-4-20250514":   {in: 3.00, out: 15.00},
	"claude-opus-4-1-20250805":   {in: 15.00, out: 75.00},
}

// Client implements llm.Provider for the Claude API.
type Client struct {
	sdk anthropic.Client
}

// New creates a Claude client authenticated with the given API key.
func New(apiKey string) *Client {
	return &Client{
		sdk: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(120*time.Second),
		),
	}
}

// Send issues a Messages API call. Transient failure classes (429, 5xx,
// network errors) are retried with exponential backoff up to maxAttempts;
// client-side failures are returned immediately wrapped in llm.ErrPermanent.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toSDKTools(req.Tools)
	}

	start := time.Now()

	op := func() (*anthropic.Message, error) {
		msg, err := c.sdk.Messages.New(ctx, params)
		if err != nil {
			if classify(err) == llm.ErrPermanent {
				return nil, backoff.Permanent(fmt.Errorf("claude: %w: %w", llm.ErrPermanent, err))
			}
			return nil, fmt.Errorf("claude: %w: %w", llm.ErrTransient, err)
		}
		return msg, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialInterval
	eb.MaxInterval = maxInterval

	msg, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return nil, err
	}

	resp := fromSDKResponse(msg)
	resp.Latency = time.Since(start)
	resp.CostUSD = cost(req.Model, resp.Usage)
	return resp, nil
}

// classify buckets an SDK error into the retry taxonomy.
func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return llm.ErrTransient
		case apierr.StatusCode >= 500:
			return llm.ErrTransient
		default:
			return llm.ErrPermanent
		}
	}
	// Non-API errors are network-level and retriable.
	return llm.ErrTransient
}

func cost(model string, u llm.Usage) float64 {
	p, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)*p.in + float64(u.OutputTokens)*p.out) / 1e6
}

func toSDKMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: b.Text},
				})
			case "tool_use":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ID,
						Name:  b.Name,
						Input: b.Input,
					},
				})
			case "tool_result":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: b.ToolUseID,
						IsError:   anthropic.Bool(b.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: b.Content}},
						},
					},
				})
			}
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

func toSDKTools(defs []llm.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		_ = json.Unmarshal(d.InputSchema, &schema)

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	content := make([]llm.ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			content = append(content, llm.ContentBlock{Type: "text", Text: b.Text})
		case "tool_use":
			content = append(content, llm.ContentBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}

	var stop llm.StopReason
	switch msg.StopReason {
	case anthropic.StopReasonEndTurn:
		stop = llm.StopEnd
	case anthropic.StopReasonToolUse:
		stop = llm.StopToolUse
	default:
		stop = llm.StopReason(msg.StopReason)
	}

	return &llm.Response{
		Content:    content,
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
