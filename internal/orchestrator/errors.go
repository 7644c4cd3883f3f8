package orchestrator

import "errors"

// Таксономия ошибок сабсистема. PolicyDenied и GrantInvalid восстановимы
// на уровне вызывающего (агент может поправить запрос) и никогда не роняют
// оркестратор. ContainmentExhausted и повторные BackendFailure фатальны
// для песочницы и должны вести к Cleanup.
var (
	// ErrPolicyDenied — Guardian отклонил операцию. Не ретраится, всегда в аудите.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrGrantInvalid — грант отозван/истек/неизвестен на момент вызова
	ErrGrantInvalid = errors.New("grant invalid")

	// ErrCapabilityMissing — команда ссылается на инструмент/путь вне гранта
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrContainmentExhausted — аномалии продолжаются на максимальном уровне
	// изоляции, эскалировать некуда. Фатально, наружу — громко.
	ErrContainmentExhausted = errors.New("containment exhausted")

	// ErrBackendFailure — сам бэкенд исполнения упал (spawn failure, отказ ОС)
	ErrBackendFailure = errors.New("backend failure")

	// Ошибки состояния State Machine
	ErrNotReady  = errors.New("sandbox is not ready")
	ErrBusy      = errors.New("sandbox is busy: command in flight")
	ErrCleanedUp = errors.New("sandbox is cleaned up")
)
