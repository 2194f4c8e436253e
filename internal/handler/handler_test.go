package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/labstock-system/internal/middleware"
	"github.com/mmeshcher/labstock-system/internal/model"
	"github.com/mmeshcher/labstock-system/internal/repository"
	"github.com/mmeshcher/labstock-system/internal/service"
	"github.com/mmeshcher/labstock-system/internal/validation"
)

func validationErr() error {
	return validation.NewError("reason", "must not be empty")
}

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	user    *model.User
	userErr error

	users    []model.User
	usersErr error

	material    *model.Material
	materials   []model.Material
	materialErr error

	createdRequest *model.LoanRequest
	createErr      error

	request    *model.LoanRequest
	requestErr error

	requests    []model.LoanRequest
	requestsErr error

	history []model.HistoryEntry

	approveErr error
	rejectErr  error
	returnErr  error

	blockErr error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubService) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.users, s.usersErr
}

func (s *stubService) SetUserRole(ctx context.Context, id int64, role model.Role) error { return nil }

func (s *stubService) BlockUser(ctx context.Context, id int64, reason string) error {
	return s.blockErr
}

func (s *stubService) UnblockUser(ctx context.Context, id int64) error { return nil }

func (s *stubService) CreateMaterial(ctx context.Context, in service.MaterialInput) (*model.Material, error) {
	return s.material, s.materialErr
}

func (s *stubService) UpdateMaterial(ctx context.Context, id string, in service.MaterialInput) (*model.Material, error) {
	return s.material, s.materialErr
}

func (s *stubService) DeleteMaterial(ctx context.Context, id string) error { return s.materialErr }

func (s *stubService) GetMaterial(ctx context.Context, id string) (*model.Material, error) {
	return s.material, s.materialErr
}

func (s *stubService) ListMaterials(ctx context.Context, category string) ([]model.Material, error) {
	return s.materials, s.materialErr
}

func (s *stubService) AdjustStock(ctx context.Context, id string, delta int) error {
	return s.materialErr
}

func (s *stubService) CreateRequest(ctx context.Context, requesterID int64, in service.RequestInput) (*model.LoanRequest, error) {
	return s.createdRequest, s.createErr
}

func (s *stubService) GetRequest(ctx context.Context, id string) (*model.LoanRequest, error) {
	return s.request, s.requestErr
}

func (s *stubService) GetRequestHistory(ctx context.Context, requestID string) ([]model.HistoryEntry, error) {
	return s.history, nil
}

func (s *stubService) ListRequests(ctx context.Context, status string) ([]model.LoanRequest, error) {
	return s.requests, s.requestsErr
}

func (s *stubService) ListRequestsByUser(ctx context.Context, userID int64) ([]model.LoanRequest, error) {
	return s.requests, s.requestsErr
}

func (s *stubService) ApproveRequest(ctx context.Context, requestID string, approverID int64) error {
	return s.approveErr
}

func (s *stubService) RejectRequest(ctx context.Context, requestID string, approverID int64, reason string) error {
	return s.rejectErr
}

func (s *stubService) MarkReturned(ctx context.Context, requestID string, actorID int64, note string) error {
	return s.returnErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID)

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie must be set on register")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetMyRequests_NoContent(t *testing.T) {
	svc := &stubService{
		requests: []model.LoanRequest{},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/requests", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestCreateRequest_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateRequest_BlockedUser(t *testing.T) {
	svc := &stubService{
		createErr: service.ErrUserBlocked,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createRequestRequest{
		MaterialID: "mat-1",
		Quantity:   1,
		StartDate:  "2030-01-10",
		EndDate:    "2030-01-12",
		Purpose:    "physics lab",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCreateRequest_BadDateFormat(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(createRequestRequest{
		MaterialID: "mat-1",
		Quantity:   1,
		StartDate:  "10.01.2030",
		EndDate:    "2030-01-12",
		Purpose:    "physics lab",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestApproveRequest_AdminOnly(t *testing.T) {
	svc := &stubService{
		user: &model.User{ID: 1, Role: model.RoleUser},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/approve", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestApproveRequest_AlreadyProcessed(t *testing.T) {
	svc := &stubService{
		user:       &model.User{ID: 1, Role: model.RoleAdmin},
		approveErr: repository.ErrAlreadyProcessed,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/approve", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestApproveRequest_InsufficientStock(t *testing.T) {
	svc := &stubService{
		user:       &model.User{ID: 1, Role: model.RoleAdmin},
		approveErr: repository.ErrInsufficientStock,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/approve", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestGetRequest_ForeignRequestForbidden(t *testing.T) {
	svc := &stubService{
		user:    &model.User{ID: 2, Role: model.RoleUser},
		request: &model.LoanRequest{ID: "req-1", RequesterID: 1, Status: model.RequestStatusPending},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/requests/req-1", nil)
	req.AddCookie(authCookie(t, h, 2))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestListMaterials_JSONResponse(t *testing.T) {
	svc := &stubService{
		user: &model.User{ID: 1, Role: model.RoleUser},
		materials: []model.Material{
			{ID: "mat-1", Name: "microscope", TotalQuantity: 3, AvailableQuantity: 2, Status: model.MaterialStatusAvailable},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/materials", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestRejectRequest_EmptyReasonBadRequest(t *testing.T) {
	svc := &stubService{
		user:      &model.User{ID: 1, Role: model.RoleAdmin},
		rejectErr: validationErr(),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(rejectRequestRequest{Reason: ""})

	req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/reject", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestDeleteMaterial_WithRequestsConflict(t *testing.T) {
	svc := &stubService{
		user:        &model.User{ID: 1, Role: model.RoleAdmin},
		materialErr: repository.ErrMaterialInUse,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/materials/mat-1", nil)
	req.AddCookie(authCookie(t, h, 1))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}
