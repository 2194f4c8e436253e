// Package model содержит доменные сущности сервиса учёта лабораторных материалов.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	Blocked      bool
	BlockReason  string
	BlockedAt    *time.Time
	CreatedAt    time.Time
}

// MaterialStatus описывает информационный статус материала.
// Фактическая доступность определяется только счётчиком AvailableQuantity.
type MaterialStatus string

const (
	MaterialStatusAvailable   MaterialStatus = "available"
	MaterialStatusInUse       MaterialStatus = "in-use"
	MaterialStatusMaintenance MaterialStatus = "maintenance"
	MaterialStatusUnavailable MaterialStatus = "unavailable"
)

// Material описывает физический материал лаборатории с учётом остатка.
type Material struct {
	ID                string
	Name              string
	Description       string
	Category          string
	Location          string
	TotalQuantity     int
	AvailableQuantity int
	Status            MaterialStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RequestStatus описывает состояние заявки на выдачу материала.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
	RequestStatusReturned RequestStatus = "returned"
)

// Period задаёт запрошенный период выдачи материала.
type Period struct {
	Start time.Time
	End   time.Time
}

// Decision содержит данные о решении администратора по заявке.
type Decision struct {
	By              int64
	At              time.Time
	RejectionReason string
}

// LoanRequest описывает заявку пользователя на выдачу материала.
type LoanRequest struct {
	ID          string
	MaterialID  string
	RequesterID int64
	Quantity    int
	Period      Period
	Purpose     string
	Notes       string
	Status      RequestStatus
	Decision    *Decision
	ReturnedAt  *time.Time
	CreatedAt   time.Time
}

// HistoryEntry описывает одну запись журнала переходов заявки.
// Журнал только для отображения, логика по нему решений не принимает.
type HistoryEntry struct {
	Action string
	At     time.Time
	By     int64
	Note   string
}
