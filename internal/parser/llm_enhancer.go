package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultEnhancerCacheSize bounds the number of cached enhancement readings.
const DefaultEnhancerCacheSize = 1024

const enhancerSystemPrompt = "你是一个专业的情绪分析助手，只输出JSON格式的结果。"

// LLMEnhancer re-classifies messages with a generative model. Identical
// requests in flight share one call and results are cached by content.
type LLMEnhancer struct {
	gen   genai.Generator
	cache *lru.Cache[string, models.ParsedTurn]
	group singleflight.Group
}

// NewLLMEnhancer creates an enhancer backed by gen.
func NewLLMEnhancer(gen genai.Generator, cacheSize int) (*LLMEnhancer, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultEnhancerCacheSize
	}
	cache, err := lru.New[string, models.ParsedTurn](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create enhancer cache: %w", err)
	}
	return &LLMEnhancer{gen: gen, cache: cache}, nil
}

type enhancementPayload struct {
	Emotions       []string `json:"emotions"`
	Intensity      int      `json:"intensity"`
	Scene          string   `json:"scene"`
	RiskLevel      string   `json:"riskLevel"`
	UserGoal       string   `json:"userGoal"`
	ProblemSummary string   `json:"problemSummary"`
}

// Enhance implements Enhancer.
func (e *LLMEnhancer) Enhance(ctx context.Context, req EnhanceRequest) Enhancement {
	key := cacheKey(req)
	if turn, ok := e.cache.Get(key); ok {
		slog.Debug("LLMEnhancer.Enhance: cache hit")
		return Enhanced(turn)
	}

	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		resp, err := e.gen.Generate(ctx, genai.Request{
			JSON: true,
			Messages: []genai.Message{
				{Role: genai.RoleSystem, Content: enhancerSystemPrompt},
				{Role: genai.RoleUser, Content: buildEnhancerPrompt(req)},
			},
		})
		if err != nil {
			return nil, err
		}
		var payload enhancementPayload
		if err := genai.DecodeJSON(resp.Text, &payload); err != nil {
			return nil, err
		}
		turn := payload.toTurn()
		e.cache.Add(key, turn)
		return turn, nil
	})
	if err != nil {
		slog.Warn("LLMEnhancer.Enhance: enhancement failed", "error", err, "shared", shared)
		return Fallback(err.Error())
	}
	return Enhanced(v.(models.ParsedTurn))
}

func (p enhancementPayload) toTurn() models.ParsedTurn {
	turn := models.ParsedTurn{
		Intensity:      p.Intensity,
		Scene:          models.Scene(strings.TrimSpace(p.Scene)),
		RiskLevel:      models.RiskLevel(strings.ToLower(strings.TrimSpace(p.RiskLevel))),
		UserGoal:       normalizeGoal(p.UserGoal),
		ProblemSummary: strings.TrimSpace(p.ProblemSummary),
	}
	for _, e := range p.Emotions {
		turn.Emotions = append(turn.Emotions, models.Emotion(strings.ToLower(strings.TrimSpace(e))))
	}
	return turn
}

// normalizeGoal maps older goal names onto the current set.
func normalizeGoal(g string) models.UserGoal {
	switch strings.TrimSpace(g) {
	case "want_analysis":
		return models.GoalClarification
	default:
		return models.UserGoal(strings.TrimSpace(g))
	}
}

func buildEnhancerPrompt(req EnhanceRequest) string {
	var history strings.Builder
	start := len(req.History) - recentWindow
	if start < 0 {
		start = 0
	}
	for _, h := range req.History[start:] {
		content := h.Content
		if r := []rune(content); len(r) > 100 {
			content = string(r[:100])
		}
		fmt.Fprintf(&history, "%s: %s\n", h.Role, content)
	}
	if history.Len() == 0 {
		history.WriteString("无\n")
	}

	rule := req.Rule
	var b strings.Builder
	b.WriteString("请分析用户输入，输出JSON格式的情绪分析结果。\n\n")
	fmt.Fprintf(&b, "用户输入：%s\n对话历史：\n%s\n", req.Text, history.String())
	fmt.Fprintf(&b, "规则匹配结果（仅供参考）：情绪 %v，强度 %d，场景 %s，风险 %s，目标 %s\n\n",
		rule.Emotions, rule.Intensity, rule.Scene, rule.RiskLevel, rule.UserGoal)
	b.WriteString("如果用户表达模糊或存在反讽，请仔细分析真实情绪；如果规则结果明显错误，请纠正。\n")
	b.WriteString(`输出JSON：{"emotions": ["anxiety"], "intensity": 7, "scene": "exam", "riskLevel": "low", "userGoal": "want_relief", "problemSummary": "简短摘要"}` + "\n")
	fmt.Fprintf(&b, "emotions 最多3个，取值：%s, neutral。\n", joinEmotions())
	fmt.Fprintf(&b, "scene 取值：%s, general。userGoal 取值：want_relief, want_plan, want_clarification, want_listen。\n", joinScenes())
	b.WriteString("只输出JSON，不要包含其他文本。")
	return b.String()
}

func joinEmotions() string {
	names := make([]string, len(models.AllEmotions))
	for i, e := range models.AllEmotions {
		names[i] = string(e)
	}
	return strings.Join(names, ", ")
}

func joinScenes() string {
	names := make([]string, len(models.AllScenes))
	for i, s := range models.AllScenes {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func cacheKey(req EnhanceRequest) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(req.Text)))
	for _, entry := range req.History {
		h.Write([]byte{0})
		h.Write([]byte(entry.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
