// Package validation содержит функции валидации входных данных заявок.
package validation

import (
	"fmt"
	"strings"
	"time"
)

// Error описывает ошибку валидации входных данных.
// Такие ошибки локальны для вызова и не являются сбоем системы.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewError создаёт ошибку валидации для указанного поля.
func NewError(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// ValidateQuantity проверяет, что запрошенное количество положительно.
func ValidateQuantity(quantity int) error {
	if quantity < 1 {
		return NewError("quantity", "must be at least 1")
	}
	return nil
}

// ValidatePeriod проверяет период выдачи: начало не раньше сегодняшнего дня,
// окончание строго позже начала. Сравнение ведётся по календарным дням.
func ValidatePeriod(start, end, now time.Time) error {
	if start.IsZero() || end.IsZero() {
		return NewError("period", "start and end dates are required")
	}

	today := truncateToDay(now)
	if truncateToDay(start).Before(today) {
		return NewError("period", "start date must not be before today")
	}
	if !truncateToDay(end).After(truncateToDay(start)) {
		return NewError("period", "end date must be after start date")
	}
	return nil
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ValidatePurpose проверяет, что цель заявки заполнена.
func ValidatePurpose(purpose string) error {
	if strings.TrimSpace(purpose) == "" {
		return NewError("purpose", "must not be empty")
	}
	return nil
}

// ValidateRejectionReason проверяет, что причина отклонения заполнена.
func ValidateRejectionReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return NewError("reason", "must not be empty")
	}
	return nil
}
