// Package moderation screens user-authored text before it is stored.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrFlagged is returned by Gate.Screen for content the classifier rejects.
var ErrFlagged = errors.New("moderation: content flagged")

// Verdict is a classifier decision.
type Verdict struct {
	Flagged    bool
	Categories []string
}

// Moderator classifies text.
type Moderator interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

// Noop accepts everything.
type Noop struct{}

func (Noop) Check(context.Context, string) (Verdict, error) { return Verdict{}, nil }

type moderationAPI interface {
	Moderations(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error)
}

// OpenAIModerator calls the OpenAI moderation endpoint.
type OpenAIModerator struct {
	api   moderationAPI
	model string
}

// OpenAIConfig configures OpenAIModerator.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIModerator builds a moderator from cfg.
func NewOpenAIModerator(cfg OpenAIConfig) (*OpenAIModerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("moderation: OpenAI API key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.ModerationTextLatest
	}
	return &OpenAIModerator{api: openai.NewClientWithConfig(oc), model: model}, nil
}

// Check implements Moderator.
func (m *OpenAIModerator) Check(ctx context.Context, text string) (Verdict, error) {
	resp, err := m.api.Moderations(ctx, openai.ModerationRequest{Input: text, Model: m.model})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: openai: %w", err)
	}

	var v Verdict
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		v.Flagged = true
		v.Categories = append(v.Categories, flaggedCategories(r.Categories)...)
	}
	sort.Strings(v.Categories)
	return v, nil
}

// flaggedCategories lists the JSON names of the categories set to true.
func flaggedCategories(c openai.ResultCategories) []string {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	var out []string
	for k, on := range m {
		if on {
			out = append(out, k)
		}
	}
	return out
}

// Gate applies a Moderator with a failure policy.
type Gate struct {
	Moderator Moderator
	// FailOpen accepts content when the classifier itself fails.
	FailOpen bool
	Log      *slog.Logger
}

// Screen returns nil for acceptable text, an error wrapping ErrFlagged for rejected text,
// and the classifier error otherwise (unless FailOpen).
func (g Gate) Screen(ctx context.Context, text string) error {
	if g.Moderator == nil {
		return nil
	}
	v, err := g.Moderator.Check(ctx, text)
	if err != nil {
		checksTotal.WithLabelValues("error").Inc()
		if g.FailOpen {
			g.logger().WarnContext(ctx, "moderation.check.fail_open", "err", err)
			return nil
		}
		return err
	}
	if v.Flagged {
		checksTotal.WithLabelValues("flagged").Inc()
		return fmt.Errorf("%w: %s", ErrFlagged, strings.Join(v.Categories, ","))
	}
	checksTotal.WithLabelValues("ok").Inc()
	return nil
}

func (g Gate) logger() *slog.Logger {
	if g.Log != nil {
		return g.Log
	}
	return slog.Default()
}
