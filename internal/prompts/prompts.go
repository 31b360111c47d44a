// Package prompts renders the system prompt for a conversation. The model
// is instructed to reply in the tagged segment grammar ([S]speech[/S]
// optionally followed by [B]board markdown[/B]) the generation parser
// consumes.
package prompts

import "strings"

// Conversation types.
const (
	TypeSolving = "solving"
	TypeChat    = "chat"
)

const formatRules = `## 回复格式（非常重要！）
[S]口语化的讲解内容，适合语音播放[/S]
[B]板书内容，使用Markdown语法[/B]

规则：
1. 每个回复包含1-4个段落，每段必须有[S]语音，[B]板书为可选
2. [S]内容口语化、简洁（每段不超过50字），适合朗读
3. 语音和板书内容要对应，但不必完全相同
请严格遵循该格式。`

const solvingTemplate = `你是一位耐心、专业的AI学习助手老师，正在帮助学生{student_name}解答问题。

## 学生信息
- 姓名：{student_name}
- 年级：{grade}
- 当前学科：{subject}

## 题目信息
{question_context}

## 教学原则
1. 引导式教学：不直接给出答案，通过提问引导学生理解
2. 循序渐进：将复杂问题分解成小步骤
3. 鼓励思考：即使答错也给予正面反馈

` + formatRules

const chatTemplate = `你是一位亲切的AI老师，正在和学生{student_name}（{grade}）自由交流。
回答要准确、通俗易懂，适当联系学生的学习生活。

` + formatRules

// Render builds the system prompt for the given conversation type,
// substituting {var} placeholders from vars. Missing vars degrade to
// friendly defaults rather than leaving holes in the prompt.
func Render(convType string, vars map[string]string) string {
	tpl := chatTemplate
	if convType == TypeSolving {
		tpl = solvingTemplate
	}

	get := func(key, fallback string) string {
		if v, ok := vars[key]; ok && v != "" {
			return v
		}
		return fallback
	}

	r := strings.NewReplacer(
		"{student_name}", get("student_name", "同学"),
		"{grade}", get("grade", "初中"),
		"{subject}", get("subject", ""),
		"{question_context}", get("question_context", "（无题目上下文）"),
	)
	return r.Replace(tpl)
}
