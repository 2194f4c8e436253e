// Package service реализует бизнес-логику сервиса labstock: жизненный цикл
// заявок на выдачу материалов и согласованность складских остатков.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/labstock-system/internal/model"
	"github.com/mmeshcher/labstock-system/internal/repository"
	"github.com/mmeshcher/labstock-system/internal/validation"
)

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserBlocked возвращается, если заблокированный пользователь пытается создать заявку.
	ErrUserBlocked = errors.New("user is blocked")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SetUserRole(ctx context.Context, id int64, role model.Role) error
	BlockUser(ctx context.Context, id int64, reason string) error
	UnblockUser(ctx context.Context, id int64) error

	CreateMaterial(ctx context.Context, m *model.Material) error
	UpdateMaterial(ctx context.Context, m *model.Material) error
	DeleteMaterial(ctx context.Context, id string) error
	GetMaterial(ctx context.Context, id string) (*model.Material, error)
	ListMaterials(ctx context.Context, category string) ([]model.Material, error)
	AdjustStock(ctx context.Context, id string, delta int) error

	CreateRequest(ctx context.Context, req *model.LoanRequest) error
	GetRequest(ctx context.Context, id string) (*model.LoanRequest, error)
	ListRequests(ctx context.Context, status model.RequestStatus) ([]model.LoanRequest, error)
	ListRequestsByUser(ctx context.Context, userID int64) ([]model.LoanRequest, error)
	GetRequestHistory(ctx context.Context, requestID string) ([]model.HistoryEntry, error)
	ApproveRequest(ctx context.Context, requestID string, approverID int64) error
	RejectRequest(ctx context.Context, requestID string, approverID int64, reason string) error
	ReturnRequest(ctx context.Context, requestID string, actorID int64, note string) error
}

// StatusChecker описывает внешний сервис статусов пользователей.
type StatusChecker interface {
	IsBlocked(ctx context.Context, userID int64) (bool, error)
}

// Service содержит бизнес-логику сервиса labstock.
type Service struct {
	repo          Repository
	statusChecker StatusChecker
}

// NewService создаёт новый сервис с указанным репозиторием и опциональным
// клиентом сервиса статусов пользователей.
func NewService(repo Repository, statusChecker StatusChecker) *Service {
	return &Service{
		repo:          repo,
		statusChecker: statusChecker,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	if strings.TrimSpace(login) == "" {
		return 0, validation.NewError("login", "must not be empty")
	}
	if password == "" {
		return 0, validation.NewError("password", "must not be empty")
	}

	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// ListUsers возвращает всех пользователей.
func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.repo.ListUsers(ctx)
}

// SetUserRole изменяет роль пользователя.
func (s *Service) SetUserRole(ctx context.Context, id int64, role model.Role) error {
	if role != model.RoleUser && role != model.RoleAdmin {
		return validation.NewError("role", "must be user or admin")
	}
	return s.repo.SetUserRole(ctx, id, role)
}

// BlockUser блокирует пользователя. Его pending-заявки не отклоняются автоматически,
// решение по ним остаётся за администратором.
func (s *Service) BlockUser(ctx context.Context, id int64, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return validation.NewError("reason", "must not be empty")
	}
	return s.repo.BlockUser(ctx, id, strings.TrimSpace(reason))
}

// UnblockUser снимает блокировку пользователя.
func (s *Service) UnblockUser(ctx context.Context, id int64) error {
	return s.repo.UnblockUser(ctx, id)
}

// MaterialInput содержит поля для создания или обновления материала.
type MaterialInput struct {
	Name        string
	Description string
	Category    string
	Location    string
	Quantity    int
	Status      model.MaterialStatus
}

// CreateMaterial создаёт материал каталога. Остаток равен общему запасу.
func (s *Service) CreateMaterial(ctx context.Context, in MaterialInput) (*model.Material, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, validation.NewError("name", "must not be empty")
	}
	if in.Quantity < 0 {
		return nil, validation.NewError("quantity", "must not be negative")
	}

	status := in.Status
	if status == "" {
		status = model.MaterialStatusAvailable
	}

	m := &model.Material{
		ID:                uuid.NewString(),
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Category:          in.Category,
		Location:          in.Location,
		TotalQuantity:     in.Quantity,
		AvailableQuantity: in.Quantity,
		Status:            status,
	}

	if err := s.repo.CreateMaterial(ctx, m); err != nil {
		return nil, err
	}

	return m, nil
}

// UpdateMaterial обновляет описательные поля материала. Счётчики остатка
// меняются только через AdjustStock и переходы заявок.
func (s *Service) UpdateMaterial(ctx context.Context, id string, in MaterialInput) (*model.Material, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, validation.NewError("name", "must not be empty")
	}

	m, err := s.repo.GetMaterial(ctx, id)
	if err != nil {
		return nil, err
	}

	m.Name = strings.TrimSpace(in.Name)
	m.Description = in.Description
	m.Category = in.Category
	m.Location = in.Location
	if in.Status != "" {
		m.Status = in.Status
	}

	if err := s.repo.UpdateMaterial(ctx, m); err != nil {
		return nil, err
	}

	return m, nil
}

// DeleteMaterial удаляет материал, если на него нет заявок.
func (s *Service) DeleteMaterial(ctx context.Context, id string) error {
	return s.repo.DeleteMaterial(ctx, id)
}

// GetMaterial возвращает материал по идентификатору.
func (s *Service) GetMaterial(ctx context.Context, id string) (*model.Material, error) {
	return s.repo.GetMaterial(ctx, id)
}

// ListMaterials возвращает материалы каталога.
func (s *Service) ListMaterials(ctx context.Context, category string) ([]model.Material, error) {
	return s.repo.ListMaterials(ctx, category)
}

// AdjustStock изменяет общий запас материала на delta единиц.
// Пополнение склада моделируется как отдельная операция, не смешанная с переходами заявок.
func (s *Service) AdjustStock(ctx context.Context, id string, delta int) error {
	if delta == 0 {
		return validation.NewError("delta", "must not be zero")
	}
	return s.repo.AdjustStock(ctx, id, delta)
}

// RequestInput содержит поля для создания заявки на выдачу материала.
type RequestInput struct {
	MaterialID string
	Quantity   int
	Start      time.Time
	End        time.Time
	Purpose    string
	Notes      string
}

// CreateRequest создаёт заявку в состоянии pending.
// Проверка остатка здесь оптимистическая: обязательная проверка выполняется
// атомарно в момент одобрения, поскольку остаток может измениться.
func (s *Service) CreateRequest(ctx context.Context, requesterID int64, in RequestInput) (*model.LoanRequest, error) {
	if err := validation.ValidateQuantity(in.Quantity); err != nil {
		return nil, err
	}
	if err := validation.ValidatePeriod(in.Start, in.End, time.Now()); err != nil {
		return nil, err
	}
	if err := validation.ValidatePurpose(in.Purpose); err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if user.Blocked {
		return nil, fmt.Errorf("%w: %s", ErrUserBlocked, user.BlockReason)
	}

	if s.statusChecker != nil {
		blocked, err := s.statusChecker.IsBlocked(ctx, requesterID)
		if err != nil {
			return nil, fmt.Errorf("check user status: %w", err)
		}
		if blocked {
			return nil, ErrUserBlocked
		}
	}

	material, err := s.repo.GetMaterial(ctx, in.MaterialID)
	if err != nil {
		return nil, err
	}
	if material.AvailableQuantity < in.Quantity {
		return nil, repository.ErrInsufficientStock
	}

	req := &model.LoanRequest{
		ID:          uuid.NewString(),
		MaterialID:  in.MaterialID,
		RequesterID: requesterID,
		Quantity:    in.Quantity,
		Period:      model.Period{Start: in.Start, End: in.End},
		Purpose:     strings.TrimSpace(in.Purpose),
		Notes:       strings.TrimSpace(in.Notes),
		Status:      model.RequestStatusPending,
	}

	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	return req, nil
}

// GetRequest возвращает заявку по идентификатору.
func (s *Service) GetRequest(ctx context.Context, id string) (*model.LoanRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

// GetRequestHistory возвращает журнал переходов заявки.
func (s *Service) GetRequestHistory(ctx context.Context, requestID string) ([]model.HistoryEntry, error) {
	if _, err := s.repo.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.repo.GetRequestHistory(ctx, requestID)
}

// ListRequests возвращает все заявки, опционально отфильтрованные по статусу.
func (s *Service) ListRequests(ctx context.Context, status string) ([]model.LoanRequest, error) {
	st := model.RequestStatus(status)
	switch st {
	case "", model.RequestStatusPending, model.RequestStatusApproved,
		model.RequestStatusRejected, model.RequestStatusReturned:
	default:
		return nil, validation.NewError("status", "unknown request status")
	}
	return s.repo.ListRequests(ctx, st)
}

// ListRequestsByUser возвращает заявки пользователя.
func (s *Service) ListRequestsByUser(ctx context.Context, userID int64) ([]model.LoanRequest, error) {
	return s.repo.ListRequestsByUser(ctx, userID)
}

// ApproveRequest переводит заявку pending → approved и списывает остаток материала.
// Повторный вызов для уже обработанной заявки возвращает ErrAlreadyProcessed,
// остаток при этом повторно не списывается.
func (s *Service) ApproveRequest(ctx context.Context, requestID string, approverID int64) error {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.RequestStatusPending {
		return repository.ErrAlreadyProcessed
	}

	return s.repo.ApproveRequest(ctx, requestID, approverID)
}

// RejectRequest переводит заявку pending → rejected с обязательной причиной.
func (s *Service) RejectRequest(ctx context.Context, requestID string, approverID int64, reason string) error {
	if err := validation.ValidateRejectionReason(reason); err != nil {
		return err
	}

	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.RequestStatusPending {
		return repository.ErrAlreadyProcessed
	}

	return s.repo.RejectRequest(ctx, requestID, approverID, strings.TrimSpace(reason))
}

// MarkReturned переводит заявку approved → returned и возвращает остаток материала.
func (s *Service) MarkReturned(ctx context.Context, requestID string, actorID int64, note string) error {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.RequestStatusApproved {
		return repository.ErrAlreadyProcessed
	}

	return s.repo.ReturnRequest(ctx, requestID, actorID, strings.TrimSpace(note))
}
