package grants

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/domain"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
)

// RedisFanout публикует отзыв грантов остальным инстансам sandboxd
// и держит L2-копию отозванного множества в Redis.
type RedisFanout struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisFanout(rdb *redis.Client, logger *zap.Logger) *RedisFanout {
	return &RedisFanout{rdb: rdb, logger: logger.With(zap.String("mod", "grant-fanout"))}
}

func (f *RedisFanout) PublishRevoke(ctx context.Context, grantID string) error {
	pipe := f.rdb.Pipeline()
	pipe.SAdd(ctx, infra.RedisKeyRevokedGrants, grantID)
	pipe.Publish(ctx, infra.RedisChanGrantRevoke, grantID+":on")
	_, err := pipe.Exec(ctx)
	return err
}

// WarmupRevoked — прогрев L1 (RAM) из L2 (Redis): применяем отзывы,
// случившиеся пока инстанс был выключен. Распределенная блокировка (SetNX)
// гарантирует, что досев Redis из БД делает только один инстанс.
func WarmupRevoked(ctx context.Context, rdb *redis.Client, store *Store, logger *zap.Logger) error {
	revoked, err := rdb.SMembers(ctx, infra.RedisKeyRevokedGrants).Result()
	if err != nil {
		return err
	}
	for _, id := range revoked {
		store.ApplyRemoteRevoke(id)
	}

	ok, err := rdb.SetNX(ctx, infra.RedisKeyLockWarmupRevoked, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой инстанс уже греет кэш
	}

	count, err := rdb.SCard(ctx, infra.RedisKeyRevokedGrants).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up", zap.Error(err))
	}

	// Если Redis пуст, а в памяти (после Refresh из БД) отзывы есть — заливаем
	var local []string
	for _, g := range store.List() {
		if g.Status == domain.GrantRevoked {
			local = append(local, g.GrantID)
		}
	}
	if count == 0 && len(local) > 0 {
		logger.Info("Redis revoked-set is empty, performing warm-up from DB...",
			zap.Int("count", len(local)))
		pipe := rdb.Pipeline()
		for _, id := range local {
			pipe.SAdd(ctx, infra.RedisKeyRevokedGrants, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

// StartRevocationListener — «живучая» подписка на сигналы отзыва.
// Переподключается при обрыве и на каждом реконнекте синхронизирует
// состояние заново (между обрывами могли проскочить сигналы).
func StartRevocationListener(ctx context.Context, rdb *redis.Client, store *Store, logger *zap.Logger) {
	log := logger.With(zap.String("mod", "grant-listener"))

	for {
		pubsub := rdb.Subscribe(ctx, infra.RedisChanGrantRevoke)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			log.Error("failed to subscribe", zap.String("chan", infra.RedisChanGrantRevoke), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте
		if err := WarmupRevoked(ctx, rdb, store, log); err != nil {
			log.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// Разбор формата "grant_id:status"
				parts := strings.Split(msg.Payload, ":")
				if len(parts) != 2 {
					log.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}

				if parts[1] == "on" || parts[1] == "true" {
					store.ApplyRemoteRevoke(parts[0])
				}
				// ":off" (ручное снятие отзыва) требует перечитывания из БД,
				// in-place восстановление статуса здесь не делаем
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
