package ratelimit

import (
	"strings"

	"mailpipeline/internal/model"
)

// 各服务商的默认发送额度（每小时 / 每天 / 单次突发），0 表示不限
var providerQuotas = map[string]model.Quota{
	"gmail":     {Hourly: 30, Daily: 1800, Burst: 60},
	"outlook":   {Hourly: 25, Daily: 1000, Burst: 40},
	"hotmail":   {Hourly: 25, Daily: 1000, Burst: 40},
	"office365": {Hourly: 30, Daily: 1500, Burst: 50},
	"yahoo":     {Hourly: 20, Daily: 500, Burst: 25},
	"zoho":      {Hourly: 18, Daily: 700, Burst: 30},
	"icloud":    {Hourly: 10, Daily: 200, Burst: 15},
	"amazonses": {Hourly: 200, Daily: 5000, Burst: 400},
	"sendgrid":  {Hourly: 120, Daily: 7000, Burst: 500},
	"mailgrid":  {Hourly: 2000, Daily: 48000, Burst: 14},
	"mailtrap":  {Hourly: 5, Daily: 100, Burst: 10},
	"custom":    {},
}

// ProviderQuota returns the default quota for provider; unknown providers are unlimited.
func ProviderQuota(provider string) model.Quota {
	return providerQuotas[strings.ToLower(strings.TrimSpace(provider))]
}

// ResolveQuota applies non-zero account overrides on top of the provider default.
func ResolveQuota(provider string, override model.Quota) model.Quota {
	q := ProviderQuota(provider)
	if override.Hourly > 0 {
		q.Hourly = override.Hourly
	}
	if override.Daily > 0 {
		q.Daily = override.Daily
	}
	if override.Burst > 0 {
		q.Burst = override.Burst
	}
	return q
}
