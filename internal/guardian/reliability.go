package guardian

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
)

// ReliableClient оборачивает транспорт к Guardian в Rate Limiter,
// Circuit Breaker и ретраи транспортных ошибок. Validate идемпотентен,
// поэтому ретраить его безопасно (в отличие от исполнения команд).
//
// Главный контракт — FAIL CLOSED: любой итоговый отказ транспорта
// (таймаут, открытый CB, исчерпанные ретраи) превращается в Deny.
// Песочница никогда не получает разрешение из-за недоступности Guardian.
type ReliableClient struct {
	next    Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger

	attempts    int
	callTimeout time.Duration
}

func NewReliableClient(next Client, cfg infra.GuardianConfig, logger *zap.Logger) *ReliableClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "guardian",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 100
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 3 * time.Second
	}

	return &ReliableClient{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		logger:      logger.Named("guardian"),
		attempts:    attempts,
		callTimeout: callTimeout,
	}
}

// Validate возвращает решение Guardian. При недоступности транспорта
// возвращается Deny + исходная ошибка: вызывающий обязан трактовать
// решение как окончательное, ошибка нужна только для аудита.
func (c *ReliableClient) Validate(ctx context.Context, req OperationRequest) (Decision, error) {
	// 1. Rate Limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return c.deny(req, err), err
	}

	var final Decision

	// 2. Circuit Breaker
	_, err := c.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(c.attempts)),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Guardian вернул ThrottleError — уважаем его Retry-After
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// Иначе (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()

			var callErr error
			final, callErr = c.next.Validate(tCtx, req)
			return callErr
		})

		return nil, retryErr
	})

	if err != nil {
		c.logger.Error("guardian unreachable, failing closed",
			zap.String("agent_id", req.AgentID),
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		return c.deny(req, err), err
	}

	return final, nil
}

func (c *ReliableClient) deny(req OperationRequest, cause error) Decision {
	return Decision{
		Approved:  false,
		Reason:    "guardian unavailable, operation denied (fail closed): " + cause.Error(),
		RiskLevel: RiskHigh,
	}
}
