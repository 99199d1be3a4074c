package domain

import (
	"strings"

	"golang.org/x/text/language"
)

var statusTextTags = []language.Tag{
	language.English,
	language.Japanese,
	language.SimplifiedChinese,
}

var statusTextMatcher = language.NewMatcher(statusTextTags)

var statusTexts = map[language.Tag]map[OrderStatus]string{
	language.English: {
		OrderStatusPendingPayment: "Awaiting payment",
		OrderStatusPaid:           "Paid",
		OrderStatusAutoCancelled:  "Closed (payment timeout)",
		OrderStatusUserCancelled:  "Cancelled",
	},
	language.Japanese: {
		OrderStatusPendingPayment: "お支払い待ち",
		OrderStatusPaid:           "支払い済み",
		OrderStatusAutoCancelled:  "期限切れのためキャンセル",
		OrderStatusUserCancelled:  "キャンセル済み",
	},
	language.SimplifiedChinese: {
		OrderStatusPendingPayment: "待付款",
		OrderStatusPaid:           "已付款",
		OrderStatusAutoCancelled:  "超时自动取消",
		OrderStatusUserCancelled:  "用户取消",
	},
}

// StatusText returns a human readable description of the status for the preferred locale.
// The locale accepts BCP 47 tags or an Accept-Language header value; English is the fallback.
func StatusText(status OrderStatus, locale string) string {
	tag := matchStatusLocale(locale)
	if text, ok := statusTexts[tag][status]; ok {
		return text
	}
	if text, ok := statusTexts[language.English][status]; ok {
		return text
	}
	return string(status)
}

func matchStatusLocale(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.English
	}
	prefs, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(prefs) == 0 {
		return language.English
	}
	_, index, confidence := statusTextMatcher.Match(prefs...)
	if confidence == language.No {
		return language.English
	}
	return statusTextTags[index]
}
