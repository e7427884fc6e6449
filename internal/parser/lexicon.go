package parser

import (
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Keyword tables. Entries are matched as lower-cased substrings; each keyword
// counts once per message.

var emotionKeywords = map[models.Emotion][]string{
	models.EmotionAnxiety:     {"焦虑", "担心", "紧张", "不安", "anxious", "anxiety", "worried", "nervous"},
	models.EmotionSadness:     {"难过", "伤心", "沮丧", "失落", "想哭", "sad", "depressed", "upset"},
	models.EmotionAnger:       {"生气", "愤怒", "恼火", "气死", "烦死", "angry", "furious"},
	models.EmotionGuilt:       {"内疚", "愧疚", "自责", "对不起", "guilty"},
	models.EmotionShame:       {"羞耻", "丢脸", "丢人", "没脸", "ashamed", "embarrassed"},
	models.EmotionFear:        {"害怕", "恐惧", "恐慌", "scared", "afraid", "terrified"},
	models.EmotionTired:       {"累", "疲惫", "疲倦", "没力气", "tired", "exhausted"},
	models.EmotionOverwhelmed: {"崩溃", "受不了", "撑不住", "喘不过气", "overwhelmed"},
	models.EmotionConfusion:   {"困惑", "迷茫", "不知所措", "confused"},
	models.EmotionLoneliness:  {"孤独", "孤单", "寂寞", "没人懂", "lonely"},
	models.EmotionJoy:         {"开心", "高兴", "快乐", "happy", "glad"},
	models.EmotionRelief:      {"放松", "松了口气", "释然", "relieved"},
	models.EmotionCalm:        {"平静", "安心", "calm", "peaceful"},
}

// Intensity tiers, highest priority first.
var intensityTiers = []struct {
	base     int
	keywords []string
}{
	{9, []string{"极度", "极其", "非常非常", "特别特别", "快要崩溃", "extremely", "unbearable"}},
	{7, []string{"非常", "特别", "超级", "十分", "很", "very", "so much", "really"}},
	{4, []string{"有点", "有些", "比较", "somewhat", "kind of"}},
	{2, []string{"稍微", "一点点", "略微", "slightly", "a bit", "a little"}},
}

const defaultIntensity = 5

var sceneKeywords = map[models.Scene][]string{
	models.SceneExam:         {"考试", "期末", "期中", "高考", "考研", "挂科", "exam"},
	models.SceneStudy:        {"学习", "作业", "论文", "课程", "上课", "study", "homework"},
	models.SceneWork:         {"工作", "加班", "老板", "同事", "上班", "领导", "work", "job", "boss"},
	models.SceneCareer:       {"职业", "求职", "面试", "跳槽", "实习", "career", "interview"},
	models.SceneRelationship: {"恋爱", "分手", "男朋友", "女朋友", "对象", "前任", "relationship", "breakup", "boyfriend", "girlfriend"},
	models.SceneFamily:       {"家庭", "父母", "爸爸", "妈妈", "家里", "family", "parents"},
	models.SceneSocial:       {"社交", "朋友", "同学", "室友", "聚会", "social", "friends"},
	models.SceneHealth:       {"身体", "生病", "失眠", "医院", "头疼", "health", "sick", "insomnia"},
	models.SceneSelfWorth:    {"自卑", "没用", "一无是处", "不够好", "自我价值", "worthless"},
	models.SceneFuture:       {"未来", "将来", "前途", "以后怎么", "future"},
}

var highRiskPhrases = []string{
	"不想活", "结束这一切", "活着没意义", "自杀", "想死", "结束生命", "离开这个世界",
	"自残", "伤害自己", "割腕", "跳楼", "上吊", "结束自己",
	"suicide", "kill myself", "end my life", "want to die", "don't want to live",
	"self-harm", "cut myself", "hurt myself",
}

var mediumRiskPhrases = []string{
	"撑不下去", "绝望", "没有希望", "看不到希望", "想消失", "什么都不想做", "活着好累",
	"hopeless", "no way out", "give up on everything",
}

var selfHarmKeywords = []string{
	"自杀", "自残", "割腕", "伤害自己", "想死", "不想活", "结束生命", "跳楼", "上吊", "结束自己",
	"suicide", "kill myself", "self-harm", "cut myself", "hurt myself", "end my life", "want to die",
}

var violenceKeywords = []string{
	"杀了他", "杀了她", "打死他", "打死她", "弄死", "报复", "揍他",
	"kill him", "kill her", "hurt them", "revenge",
}

// Goal phrases in priority order.
var goalKeywords = []struct {
	goal     models.UserGoal
	keywords []string
}{
	{models.GoalListen, []string{"只想被听", "只想倾诉", "听我说", "只想说说", "只想聊聊", "不用给建议", "just listen", "just want to vent"}},
	{models.GoalClarification, []string{"为什么", "想理解", "想搞懂", "怎么回事", "why", "understand"}},
	{models.GoalPlan, []string{"怎么办", "该怎么做", "怎么做", "如何", "建议", "what should i do", "how do i", "how can i"}},
}

var (
	ironyMarkers    = []string{"呵呵", "真是太好了", "好棒棒", "谢谢你啊"}
	negationMarkers = []string{"不是", "没有", "并不", "not ", "don't"}
	vagueMarkers    = []string{"还好", "一般", "说不清", "不知道"}
	resourceTokens  = []string{"朋友", "家人", "老师", "咨询师", "医生", "friend", "family", "therapist", "counselor"}
)

// clarityEmotionWords are the explicit emotion words that raise clarity.
var clarityEmotionWords = []string{"焦虑", "担心", "难过", "生气", "开心", "害怕", "累", "崩溃", "困惑", "内疚", "羞耻", "孤独"}

// clarityIntensityWords are the intensity words that raise clarity.
var clarityIntensityWords = []string{"非常", "特别", "很", "极度", "超级"}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

func countHits(content string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			n++
		}
	}
	return n
}
