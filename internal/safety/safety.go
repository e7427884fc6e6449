// Package safety screens generated replies before they reach the user.
package safety

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// FallbackReply is the fixed reply used when generation fails or a reply is replaced.
const FallbackReply = "抱歉，我现在无法处理你的消息。请稍后再试，或者联系专业心理支持。"

// crisisFallbackReply replaces rejected replies for high-risk turns.
const crisisFallbackReply = "我听到你现在真的很难受，谢谢你愿意说出来。你不需要一个人扛着，" +
	"请尽快联系一个你信任的人，比如家人、朋友或老师，也可以拨打当地的心理援助热线或急救电话。我会在这里陪着你。"

// Length bounds of an acceptable reply, in characters.
const (
	MinReplyLength = 10
	MaxReplyLength = 2000
)

// Verdict codes.
const (
	CodeDanger         = "danger"
	CodeSelfHarmMethod = "self_harm_method"
	CodeDiagnosis      = "diagnosis"
	CodeShaming        = "shaming"
	CodeExtreme        = "extreme"
	CodeTooShort       = "too_short"
	CodeTooLong        = "too_long"
)

var (
	dangerTerms    = []string{"具体自伤方法", "如何自杀", "自杀步骤", "自伤工具", "如何伤害自己"}
	methodTerms    = []string{"如何", "怎么", "方法", "步骤", "how to", "way to"}
	selfHarmTerms  = []string{"自杀", "自残", "self-harm", "suicide"}
	diagnosisTerms = []string{"抑郁症", "焦虑症", "强迫症", "双相", "精神分裂", "你有病", "你得了", "diagnosis", "disorder"}
	shamingTerms   = []string{"你太懒", "你矫情", "你太敏感", "你太脆弱", "你太自私", "你太笨"}
	extremeTerms   = []string{"必须", "一定", "永远", "彻底失败", "完全不可能", "你根本", "你就是太"}
)

// Check screens text against the safety rules in order and returns the first
// failure. Absolutist wording is only rejected for high-risk turns.
func Check(text string, turn models.ParsedTurn) models.SafetyVerdict {
	content := strings.ToLower(text)

	if term, ok := firstMatch(content, dangerTerms); ok {
		return reject(CodeDanger, "包含危险内容: "+term)
	}
	if turn.HasSelfHarm {
		if _, ok := firstMatch(content, methodTerms); ok {
			if _, ok := firstMatch(content, selfHarmTerms); ok {
				return reject(CodeSelfHarmMethod, "不应提供自伤/自杀的具体方法")
			}
		}
	}
	if term, ok := firstMatch(content, diagnosisTerms); ok {
		return reject(CodeDiagnosis, "不应使用诊断性语言: "+term)
	}
	if term, ok := firstMatch(content, shamingTerms); ok {
		return reject(CodeShaming, "不应使用羞辱式话语: "+term)
	}
	if turn.RiskLevel == models.RiskHigh {
		if term, ok := firstMatch(content, extremeTerms); ok {
			return reject(CodeExtreme, "高风险场景下不应使用极端表达: "+term)
		}
	}
	switch n := utf8.RuneCountInString(text); {
	case n < MinReplyLength:
		return reject(CodeTooShort, fmt.Sprintf("回复过短: %d", n))
	case n > MaxReplyLength:
		return reject(CodeTooLong, fmt.Sprintf("回复过长: %d", n))
	}
	return models.SafetyVerdict{Passed: true}
}

func reject(code, reason string) models.SafetyVerdict {
	return models.SafetyVerdict{Passed: false, Code: code, Reason: reason}
}

func firstMatch(content string, terms []string) (string, bool) {
	for _, t := range terms {
		if strings.Contains(content, t) {
			return t, true
		}
	}
	return "", false
}

// Policy decides what happens to a rejected reply.
type Policy string

const (
	// PolicyAdvisory logs rejections and delivers the reply, except for
	// dangerous content and self-harm methods.
	PolicyAdvisory Policy = "advisory"
	// PolicyBlock replaces every rejected reply.
	PolicyBlock Policy = "block"
)

// ParsePolicy validates a policy name. The empty string means advisory.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAdvisory, nil
	case PolicyAdvisory, PolicyBlock:
		return p, nil
	default:
		return "", fmt.Errorf("unknown safety policy %q", s)
	}
}

// Outcome is what the gate lets through for one reply.
type Outcome struct {
	Reply    string
	Verdict  models.SafetyVerdict
	Replaced bool
}

// Gate applies Check under a policy.
type Gate struct {
	policy Policy
}

// NewGate creates a gate. An unknown policy is treated as advisory.
func NewGate(policy Policy) *Gate {
	if policy != PolicyBlock {
		policy = PolicyAdvisory
	}
	return &Gate{policy: policy}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Review checks reply and returns the text to deliver.
func (g *Gate) Review(reply string, turn models.ParsedTurn) Outcome {
	v := Check(reply, turn)
	if v.Passed {
		return Outcome{Reply: reply, Verdict: v}
	}
	if g.policy == PolicyBlock || v.Code == CodeDanger || v.Code == CodeSelfHarmMethod {
		slog.Warn("Gate.Review: reply replaced", "code", v.Code, "reason", v.Reason, "policy", g.policy)
		return Outcome{Reply: SafeReply(turn), Verdict: v, Replaced: true}
	}
	slog.Warn("Gate.Review: reply flagged", "code", v.Code, "reason", v.Reason, "policy", g.policy)
	return Outcome{Reply: reply, Verdict: v}
}

// SafeReply returns the replacement text for a turn.
func SafeReply(turn models.ParsedTurn) string {
	if turn.RiskLevel == models.RiskHigh {
		return crisisFallbackReply
	}
	return FallbackReply
}
