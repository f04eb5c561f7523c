package config

const (
	DefaultMaxRounds          = 16
	DefaultHistoryTokenBudget = 24000
	DefaultToolTimeoutMS      = 60000

	DefaultAuditRetentionDays = 30
)
