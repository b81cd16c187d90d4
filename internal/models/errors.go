package models

import (
	"errors"
	"fmt"
	"time"
)

// Kind — класс ошибки доменного слоя. HTTP-слой переводит его в статус,
// но не изобретает успех там, где его не было.
type Kind int

const (
	KindValidation Kind = iota + 1 // кривой ввод; не событие безопасности
	KindNotFound                   // «invalid or expired» — намеренно неразличимо с «нет такого»
	KindRateLimited
	KindPolicy // IP вне allowlist, родительский токен неактивен и т.п.
	KindStorage
)

// DomainError несёт класс, машинный код и человекочитаемое сообщение.
// Code различает причины внутри класса (already_used / expired / ...).
type DomainError struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration // только для KindRateLimited
	cause      error
}

func (e *DomainError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.cause }

func Validation(code, msg string) *DomainError {
	return &DomainError{Kind: KindValidation, Code: code, Message: msg}
}

func NotFoundOrExpired(code, msg string) *DomainError {
	return &DomainError{Kind: KindNotFound, Code: code, Message: msg}
}

func RateLimited(retryAfter time.Duration) *DomainError {
	return &DomainError{
		Kind:       KindRateLimited,
		Code:       "rate_limit_exceeded",
		Message:    fmt.Sprintf("too many failed attempts, retry in %d minutes", int(retryAfter.Minutes())),
		RetryAfter: retryAfter,
	}
}

func PolicyViolation(code, msg string) *DomainError {
	return &DomainError{Kind: KindPolicy, Code: code, Message: msg}
}

// Storage оборачивает внутреннюю ошибку; наружу уходит без деталей хранилища.
func Storage(err error) *DomainError {
	return &DomainError{Kind: KindStorage, Code: "storage_error", Message: "internal error", cause: err}
}

// KindOf возвращает класс ошибки или 0, если ошибка не доменная.
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// CodeOf — машинный код доменной ошибки ("" для прочих).
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
