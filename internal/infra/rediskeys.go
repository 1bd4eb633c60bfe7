package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions: канал для трансляции решений апруверов (HITL).
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	// RedisChanPolicyUpdate: сигнал всем инстансам перечитать набор политик.
	RedisChanPolicyUpdate = RedisNamespace + ":governance:policy-update"
)

// RateLimitWindowKey: ключ sorted set'а для конкретного окна: ratelimit:<...>:minute|hour|day.
// Без префикса проекта: формат ключей счётчиков общий для всех инстансов и внешних читателей.
func RateLimitWindowKey(baseKey, window string) string {
	return baseKey + ":" + window
}

// ApprovalExecutionChannel: персональный канал ожидающего вызова:
// devit:approvals:execution:{requestID}
func ApprovalExecutionChannel(requestID string) string {
	return fmt.Sprintf("%s:execution:%s", RedisChanApprovalDecisions, requestID)
}
