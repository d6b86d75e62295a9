package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/pkg/anthropic"
)

const systemPrompt = `You check whether a value shown on a web page refers to the same fact as a value from a spreadsheet row.
Ignore differences in case, whitespace, punctuation, abbreviations and formatting.
Numbers and currency amounts match only if they are numerically equal.
Reply with a single JSON object and nothing else:
{"match": true|false, "confidence": 0.0-1.0, "reasoning": "<one sentence>"}`

// LLMConfig configures the model-backed judge.
type LLMConfig struct {
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

// LLMJudge asks a language model for a semantic match verdict.
type LLMJudge struct {
	client anthropic.Client
	cfg    LLMConfig
	log    *zap.Logger
}

// NewLLMJudge creates a model-backed judge. log may be nil.
func NewLLMJudge(client anthropic.Client, cfg LLMConfig, log *zap.Logger) *LLMJudge {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMJudge{client: client, cfg: cfg, log: log.With(zap.String("component", "llm_judge"))}
}

type llmVerdict struct {
	Match      *bool   `json:"match"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Judge implements Judge. The call is bounded by the configured timeout.
func (j *LLMJudge) Judge(ctx context.Context, expected, observed string, ft model.FieldType) (model.Judgment, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	zero := 0.0
	resp, err := j.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       j.cfg.Model,
		MaxTokens:   j.cfg.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt, ""),
		Temperature: &zero,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Field type: %s\nSpreadsheet value: %q\nWeb page value: %q", typeOrText(ft), expected, observed),
		}},
	})
	if err != nil {
		return model.Judgment{}, eris.Wrap(err, "judge: model call")
	}
	resp.Usage.LogCost(j.log, j.cfg.Model, "validate")

	return ParseVerdict(resp.Text())
}

// ParseVerdict extracts the JSON verdict from a model reply. A reply
// without an explicit match value is an error.
func ParseVerdict(text string) (model.Judgment, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return model.Judgment{}, eris.Errorf("judge: no JSON object in reply %q", truncate(text, 120))
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return model.Judgment{}, eris.Wrap(err, "judge: decode verdict")
	}
	if v.Match == nil {
		return model.Judgment{}, eris.New("judge: verdict missing match")
	}
	conf := v.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return model.Judgment{Match: *v.Match, Confidence: conf, Reasoning: v.Reasoning}, nil
}

func typeOrText(ft model.FieldType) model.FieldType {
	if ft == "" {
		return model.FieldText
	}
	return ft
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Fallback uses the primary judge and degrades to the heuristic when the
// primary is missing or fails.
type Fallback struct {
	primary   Judge
	heuristic Heuristic
	log       *zap.Logger
}

// NewFallback wraps primary. primary and log may be nil.
func NewFallback(primary Judge, h Heuristic, log *zap.Logger) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{primary: primary, heuristic: h, log: log}
}

// Judge implements Judge. It only returns an error when ctx is done.
func (f *Fallback) Judge(ctx context.Context, expected, observed string, ft model.FieldType) (model.Judgment, error) {
	if f.primary != nil {
		j, err := f.primary.Judge(ctx, expected, observed, ft)
		if err == nil {
			return j, nil
		}
		if ctx.Err() != nil {
			return model.Judgment{}, eris.Wrap(ctx.Err(), "judge: canceled")
		}
		f.log.Warn("judge: falling back to heuristic", zap.Error(err))
		h := f.heuristic.Compare(expected, observed, ft)
		h.Reasoning = "heuristic fallback: " + h.Reasoning
		return h, nil
	}
	return f.heuristic.Compare(expected, observed, ft), nil
}
