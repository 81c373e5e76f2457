package utils

// Server-side messages for error codes. Everything participant-facing beyond these lives in the frontend.
var translations = map[string]map[string]string{
	"en": {
		"health.ok":                "ok",
		"error.validation":         "The submitted data is invalid.",
		"error.assignment":         "The study could not assign conditions.",
		"error.precondition":       "This step is not available yet.",
		"error.phase_mismatch":     "This action does not belong to your current step.",
		"error.incomplete_chat":    "Please send a few more messages before continuing.",
		"error.duplicate_rating":   "This conversation has already been rated.",
		"error.conflict":           "This has already been submitted.",
		"error.not_found":          "Not found.",
		"error.provider":           "The conversation partner is unavailable. Please try again.",
		"error.storage":            "Your answers could not be saved. Please try again.",
		"error.unauthorized":       "Your session is missing or has expired.",
		"error.forbidden":          "Access denied.",
		"error.too_many_requests":  "You are sending messages too quickly.",
		"error.method_not_allowed": "Method not allowed.",
		"error.internal":           "Something went wrong.",
	},
	"zh": {
		"health.ok":                "好的",
		"error.validation":         "提交的数据无效。",
		"error.assignment":         "暂时无法分配实验条件。",
		"error.precondition":       "当前还不能进入这一步。",
		"error.phase_mismatch":     "该操作不属于您当前的步骤。",
		"error.incomplete_chat":    "请再多发送几条消息后继续。",
		"error.duplicate_rating":   "该对话已经评分。",
		"error.conflict":           "该内容已经提交。",
		"error.not_found":          "未找到。",
		"error.provider":           "对话伙伴暂时不可用，请稍后重试。",
		"error.storage":            "保存失败，请重试。",
		"error.unauthorized":       "会话缺失或已过期。",
		"error.forbidden":          "拒绝访问。",
		"error.too_many_requests":  "消息发送过快。",
		"error.method_not_allowed": "不支持该请求方法。",
		"error.internal":           "出现了错误。",
	},
}

// SupportedLocales lists the locales T knows.
var SupportedLocales = []string{"en", "zh"}

// T returns the translated string for key in locale; falls back to English, then to the key.
func T(locale, key string) string {
	if v, ok := translations[locale][key]; ok {
		return v
	}
	if v, ok := translations["en"][key]; ok {
		return v
	}
	return key
}
