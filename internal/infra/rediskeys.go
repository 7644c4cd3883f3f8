package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "sbx"
)

// Ключи для Sets (состояние)
const (
	RedisKeyRevokedGrants     = RedisNamespace + ":grants:revoked_set"
	RedisKeyLockWarmupGrants  = RedisNamespace + ":lock:warmup:grants"
	RedisKeyLockWarmupRevoked = RedisNamespace + ":lock:warmup:revoked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanGrantRevoke — трансляция отзыва грантов между инстансами sandboxd.
	// Формат сообщения: "grant_id:on" (отозван) / "grant_id:off" (снято, ручное действие).
	RedisChanGrantRevoke = RedisNamespace + ":grants:revoke-signal"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
