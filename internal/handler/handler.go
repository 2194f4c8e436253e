// Package handler содержит HTTP-обработчики API сервиса labstock.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/labstock-system/internal/middleware"
	"github.com/mmeshcher/labstock-system/internal/model"
	"github.com/mmeshcher/labstock-system/internal/repository"
	"github.com/mmeshcher/labstock-system/internal/service"
	"github.com/mmeshcher/labstock-system/internal/validation"
)

const dateLayout = "2006-01-02"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SetUserRole(ctx context.Context, id int64, role model.Role) error
	BlockUser(ctx context.Context, id int64, reason string) error
	UnblockUser(ctx context.Context, id int64) error

	CreateMaterial(ctx context.Context, in service.MaterialInput) (*model.Material, error)
	UpdateMaterial(ctx context.Context, id string, in service.MaterialInput) (*model.Material, error)
	DeleteMaterial(ctx context.Context, id string) error
	GetMaterial(ctx context.Context, id string) (*model.Material, error)
	ListMaterials(ctx context.Context, category string) ([]model.Material, error)
	AdjustStock(ctx context.Context, id string, delta int) error

	CreateRequest(ctx context.Context, requesterID int64, in service.RequestInput) (*model.LoanRequest, error)
	GetRequest(ctx context.Context, id string) (*model.LoanRequest, error)
	GetRequestHistory(ctx context.Context, requestID string) ([]model.HistoryEntry, error)
	ListRequests(ctx context.Context, status string) ([]model.LoanRequest, error)
	ListRequestsByUser(ctx context.Context, userID int64) ([]model.LoanRequest, error)
	ApproveRequest(ctx context.Context, requestID string, approverID int64) error
	RejectRequest(ctx context.Context, requestID string, approverID int64, reason string) error
	MarkReturned(ctx context.Context, requestID string, actorID int64, note string) error
}

// Handler реализует HTTP-обработчики API сервиса labstock.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError переводит ошибки бизнес-логики в HTTP-статусы.
// PreconditionFailed-ошибки отдаются с собственным текстом, чтобы клиент мог
// предложить обновление вместо слепого повторения запроса.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string) {
	var vErr *validation.Error
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrMaterialNotFound),
		errors.Is(err, repository.ErrRequestNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrAlreadyProcessed):
		http.Error(w, "request state changed, refresh and retry", http.StatusConflict)
	case errors.Is(err, repository.ErrInsufficientStock):
		http.Error(w, "insufficient stock", http.StatusConflict)
	case errors.Is(err, repository.ErrStockInconsistent),
		errors.Is(err, repository.ErrMaterialInUse),
		errors.Is(err, repository.ErrUserExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrUserBlocked):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrInvalidCredentials):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeError(w, err, "register user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, err, "login user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// requireAdmin пропускает дальше только пользователей с ролью admin.
// Роль читается из хранилища при каждом запросе, а не из cookie.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserIDFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		u, err := h.service.GetUser(r.Context(), userID)
		if err != nil {
			h.writeError(w, err, "load user for role check error")
			return
		}
		if u.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type materialRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Location    string `json:"location"`
	Quantity    int    `json:"quantity"`
	Status      string `json:"status"`
}

type materialResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Category          string `json:"category"`
	Location          string `json:"location"`
	TotalQuantity     int    `json:"total_quantity"`
	AvailableQuantity int    `json:"available_quantity"`
	Status            string `json:"status"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toMaterialResponse(m *model.Material) materialResponse {
	return materialResponse{
		ID:                m.ID,
		Name:              m.Name,
		Description:       m.Description,
		Category:          m.Category,
		Location:          m.Location,
		TotalQuantity:     m.TotalQuantity,
		AvailableQuantity: m.AvailableQuantity,
		Status:            string(m.Status),
		CreatedAt:         m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         m.UpdatedAt.Format(time.RFC3339),
	}
}

// ListMaterials возвращает каталог материалов.
func (h *Handler) ListMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.service.ListMaterials(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.writeError(w, err, "list materials error")
		return
	}

	resp := make([]materialResponse, 0, len(materials))
	for i := range materials {
		resp = append(resp, toMaterialResponse(&materials[i]))
	}

	writeJSON(w, resp)
}

// GetMaterial возвращает один материал каталога.
func (h *Handler) GetMaterial(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetMaterial(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "get material error")
		return
	}

	writeJSON(w, toMaterialResponse(m))
}

// CreateMaterial добавляет материал в каталог.
func (h *Handler) CreateMaterial(w http.ResponseWriter, r *http.Request) {
	var req materialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.CreateMaterial(r.Context(), service.MaterialInput{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
		Quantity:    req.Quantity,
		Status:      model.MaterialStatus(req.Status),
	})
	if err != nil {
		h.writeError(w, err, "create material error")
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toMaterialResponse(m))
}

// UpdateMaterial обновляет описательные поля материала.
func (h *Handler) UpdateMaterial(w http.ResponseWriter, r *http.Request) {
	var req materialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.UpdateMaterial(r.Context(), chi.URLParam(r, "id"), service.MaterialInput{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
		Status:      model.MaterialStatus(req.Status),
	})
	if err != nil {
		h.writeError(w, err, "update material error")
		return
	}

	writeJSON(w, toMaterialResponse(m))
}

// DeleteMaterial удаляет материал без заявок.
func (h *Handler) DeleteMaterial(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteMaterial(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err, "delete material error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type adjustStockRequest struct {
	Delta int `json:"delta"`
}

// AdjustStock пополняет или списывает склад материала.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AdjustStock(r.Context(), chi.URLParam(r, "id"), req.Delta); err != nil {
		h.writeError(w, err, "adjust stock error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createRequestRequest struct {
	MaterialID string `json:"material_id"`
	Quantity   int    `json:"quantity"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Purpose    string `json:"purpose"`
	Notes      string `json:"notes"`
}

type requestResponse struct {
	ID              string `json:"id"`
	MaterialID      string `json:"material_id"`
	RequesterID     int64  `json:"requester_id"`
	Quantity        int    `json:"quantity"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	Purpose         string `json:"purpose"`
	Notes           string `json:"notes,omitempty"`
	Status          string `json:"status"`
	DecidedBy       *int64 `json:"decided_by,omitempty"`
	DecidedAt       string `json:"decided_at,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	ReturnedAt      string `json:"returned_at,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func toRequestResponse(req *model.LoanRequest) requestResponse {
	resp := requestResponse{
		ID:          req.ID,
		MaterialID:  req.MaterialID,
		RequesterID: req.RequesterID,
		Quantity:    req.Quantity,
		StartDate:   req.Period.Start.Format(dateLayout),
		EndDate:     req.Period.End.Format(dateLayout),
		Purpose:     req.Purpose,
		Notes:       req.Notes,
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt.Format(time.RFC3339),
	}
	if req.Decision != nil {
		by := req.Decision.By
		resp.DecidedBy = &by
		resp.DecidedAt = req.Decision.At.Format(time.RFC3339)
		resp.RejectionReason = req.Decision.RejectionReason
	}
	if req.ReturnedAt != nil {
		resp.ReturnedAt = req.ReturnedAt.Format(time.RFC3339)
	}
	return resp
}

// CreateRequest создаёт заявку на выдачу материала от текущего пользователя.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	start, end, err := parsePeriod(req.StartDate, req.EndDate)
	if err != nil {
		h.writeError(w, err, "parse period error")
		return
	}

	created, err := h.service.CreateRequest(r.Context(), userID, service.RequestInput{
		MaterialID: req.MaterialID,
		Quantity:   req.Quantity,
		Start:      start,
		End:        end,
		Purpose:    req.Purpose,
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeError(w, err, "create request error")
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toRequestResponse(created))
}

func parsePeriod(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, validation.NewError("start_date", "must be a date in format YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, validation.NewError("end_date", "must be a date in format YYYY-MM-DD")
	}
	return start, end, nil
}

// GetMyRequests возвращает заявки текущего пользователя.
func (h *Handler) GetMyRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	requests, err := h.service.ListRequestsByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "list my requests error")
		return
	}

	if len(requests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]requestResponse, 0, len(requests))
	for i := range requests {
		resp = append(resp, toRequestResponse(&requests[i]))
	}

	writeJSON(w, resp)
}

// GetRequest возвращает одну заявку. Доступна её автору и администраторам.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	req, err := h.service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "get request error")
		return
	}

	if req.RequesterID != userID {
		u, err := h.service.GetUser(r.Context(), userID)
		if err != nil {
			h.writeError(w, err, "load user error")
			return
		}
		if u.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	writeJSON(w, toRequestResponse(req))
}

type historyEntryResponse struct {
	Action string `json:"action"`
	At     string `json:"at"`
	By     int64  `json:"by"`
	Note   string `json:"note,omitempty"`
}

// GetRequestHistory возвращает журнал переходов заявки.
func (h *Handler) GetRequestHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	requestID := chi.URLParam(r, "id")

	req, err := h.service.GetRequest(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err, "get request error")
		return
	}

	if req.RequesterID != userID {
		u, err := h.service.GetUser(r.Context(), userID)
		if err != nil {
			h.writeError(w, err, "load user error")
			return
		}
		if u.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	entries, err := h.service.GetRequestHistory(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err, "get request history error")
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			Action: e.Action,
			At:     e.At.Format(time.RFC3339),
			By:     e.By,
			Note:   e.Note,
		})
	}

	writeJSON(w, resp)
}

// ListRequests возвращает все заявки для администратора.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.ListRequests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, err, "list requests error")
		return
	}

	resp := make([]requestResponse, 0, len(requests))
	for i := range requests {
		resp = append(resp, toRequestResponse(&requests[i]))
	}

	writeJSON(w, resp)
}

// ApproveRequest одобряет заявку и списывает остаток материала.
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.ApproveRequest(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		h.writeError(w, err, "approve request error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type rejectRequestRequest struct {
	Reason string `json:"reason"`
}

// RejectRequest отклоняет заявку с указанием причины.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req rejectRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RejectRequest(r.Context(), chi.URLParam(r, "id"), userID, req.Reason); err != nil {
		h.writeError(w, err, "reject request error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type returnRequestRequest struct {
	Note string `json:"note"`
}

// ReturnRequest отмечает выданный материал как возвращённый.
func (h *Handler) ReturnRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req returnRequestRequest
	if r.Body != nil {
		// тело опционально
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.service.MarkReturned(r.Context(), chi.URLParam(r, "id"), userID, req.Note); err != nil {
		h.writeError(w, err, "return request error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type userResponse struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Role        string `json:"role"`
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ListUsers возвращает всех пользователей для администратора.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, err, "list users error")
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, userResponse{
			ID:          u.ID,
			Login:       u.Login,
			Role:        string(u.Role),
			Blocked:     u.Blocked,
			BlockReason: u.BlockReason,
			CreatedAt:   u.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

func parseUserID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, validation.NewError("id", "must be an integer user id")
	}
	return id, nil
}

type blockUserRequest struct {
	Reason string `json:"reason"`
}

// BlockUser блокирует пользователя.
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		h.writeError(w, err, "parse user id error")
		return
	}

	var req blockUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.BlockUser(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, err, "block user error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// UnblockUser снимает блокировку пользователя.
func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		h.writeError(w, err, "parse user id error")
		return
	}

	if err := h.service.UnblockUser(r.Context(), id); err != nil {
		h.writeError(w, err, "unblock user error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type setRoleRequest struct {
	Role string `json:"role"`
}

// SetUserRole назначает пользователю роль.
func (h *Handler) SetUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		h.writeError(w, err, "parse user id error")
		return
	}

	var req setRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetUserRole(r.Context(), id, model.Role(req.Role)); err != nil {
		h.writeError(w, err, "set user role error")
		return
	}

	w.WriteHeader(http.StatusOK)
}
