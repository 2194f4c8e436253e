// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/labstock-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrMaterialNotFound возвращается, если материал не найден.
	ErrMaterialNotFound = errors.New("material not found")
	// ErrRequestNotFound возвращается, если заявка не найдена.
	ErrRequestNotFound = errors.New("loan request not found")
	// ErrInsufficientStock возвращается, если остатка материала не хватает для одобрения заявки.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrAlreadyProcessed возвращается при повторном переходе: заявка уже не в ожидаемом состоянии.
	ErrAlreadyProcessed = errors.New("request already processed")
	// ErrMaterialInUse возвращается при попытке удалить материал, на который есть заявки.
	ErrMaterialInUse = errors.New("material is referenced by loan requests")
	// ErrStockInconsistent возвращается, если возврат или корректировка превысили бы общий запас.
	ErrStockInconsistent = errors.New("stock adjustment would exceed total quantity")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации, дедлоках и сетевых обрывах.
// Бизнес-ошибки (недостаток остатка, повторная обработка) не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(1*time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с ролью user.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, blocked, COALESCE(block_reason, ''), blocked_at, created_at
		 FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, blocked, COALESCE(block_reason, ''), blocked_at, created_at
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.Blocked, &u.BlockReason, &u.BlockedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// ListUsers возвращает всех пользователей, отсортированных по дате регистрации.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, login, password_hash, role, blocked, COALESCE(block_reason, ''), blocked_at, created_at
		 FROM users ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.Blocked, &u.BlockReason, &u.BlockedAt, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = model.Role(role)
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

// SetUserRole изменяет роль пользователя.
func (r *PostgresRepository) SetUserRole(ctx context.Context, id int64, role model.Role) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`,
		id, string(role),
	)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// BlockUser блокирует пользователя с указанием причины.
func (r *PostgresRepository) BlockUser(ctx context.Context, id int64, reason string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET blocked = TRUE, block_reason = $2, blocked_at = now() WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UnblockUser снимает блокировку пользователя.
func (r *PostgresRepository) UnblockUser(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET blocked = FALSE, block_reason = NULL, blocked_at = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateMaterial сохраняет новый материал каталога.
func (r *PostgresRepository) CreateMaterial(ctx context.Context, m *model.Material) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO materials (id, name, description, category, location, total_quantity, available_quantity, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		m.ID, m.Name, m.Description, m.Category, m.Location, m.TotalQuantity, m.AvailableQuantity, string(m.Status),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create material: %w", err)
	}
	return nil
}

// UpdateMaterial обновляет описательные поля материала.
// Счётчики остатка этим запросом не меняются, для них есть AdjustStock и переходы заявок.
func (r *PostgresRepository) UpdateMaterial(ctx context.Context, m *model.Material) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE materials
		 SET name = $2, description = $3, category = $4, location = $5, status = $6, updated_at = now()
		 WHERE id = $1`,
		m.ID, m.Name, m.Description, m.Category, m.Location, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("update material: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMaterialNotFound
	}
	return nil
}

// DeleteMaterial удаляет материал. Заявки являются постоянными записями аудита,
// поэтому материал с заявками удалить нельзя.
func (r *PostgresRepository) DeleteMaterial(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var n int64
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM loan_requests WHERE material_id = $1`,
		id,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("count requests: %w", err)
	}
	if n > 0 {
		return ErrMaterialInUse
	}

	cmdTag, err := tx.Exec(ctx, `DELETE FROM materials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete material: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMaterialNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetMaterial возвращает материал по идентификатору.
func (r *PostgresRepository) GetMaterial(ctx context.Context, id string) (*model.Material, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, description, category, location, total_quantity, available_quantity, status, created_at, updated_at
		 FROM materials WHERE id = $1`,
		id,
	)

	var m model.Material
	var status string
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Category, &m.Location,
		&m.TotalQuantity, &m.AvailableQuantity, &status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMaterialNotFound
		}
		return nil, fmt.Errorf("get material: %w", err)
	}
	m.Status = model.MaterialStatus(status)

	return &m, nil
}

// ListMaterials возвращает материалы каталога, опционально отфильтрованные по категории.
func (r *PostgresRepository) ListMaterials(ctx context.Context, category string) ([]model.Material, error) {
	query := `SELECT id, name, description, category, location, total_quantity, available_quantity, status, created_at, updated_at
	          FROM materials`
	args := []any{}
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY name`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select materials: %w", err)
	}
	defer rows.Close()

	var materials []model.Material
	for rows.Next() {
		var m model.Material
		var status string
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.Category, &m.Location,
			&m.TotalQuantity, &m.AvailableQuantity, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		m.Status = model.MaterialStatus(status)
		materials = append(materials, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return materials, nil
}

// AdjustStock изменяет общий запас и остаток материала на delta единиц.
// Это единственная операция пополнения/списания склада помимо переходов заявок.
// Отрицательная delta не может увести остаток ниже нуля.
func (r *PostgresRepository) AdjustStock(ctx context.Context, id string, delta int) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE materials
			 SET total_quantity = total_quantity + $2,
			     available_quantity = available_quantity + $2,
			     updated_at = now()
			 WHERE id = $1
			   AND total_quantity + $2 >= 0
			   AND available_quantity + $2 >= 0`,
			id, delta,
		)
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			if _, err := r.GetMaterial(ctx, id); err != nil {
				return err
			}
			return ErrInsufficientStock
		}
		return nil
	})
}

// CreateRequest сохраняет новую заявку в состоянии pending и первую запись журнала.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req *model.LoanRequest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO loan_requests (id, material_id, requester_id, quantity, start_date, end_date, purpose, notes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		req.ID, req.MaterialID, req.RequesterID, req.Quantity,
		req.Period.Start, req.Period.End, req.Purpose, req.Notes, string(req.Status),
	).Scan(&req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrMaterialNotFound
		}
		return fmt.Errorf("insert request: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO loan_request_history (request_id, action, by_user, note) VALUES ($1, $2, $3, $4)`,
		req.ID, "created", req.RequesterID, "request created",
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetRequest возвращает заявку по идентификатору.
func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (*model.LoanRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, material_id, requester_id, quantity, start_date, end_date, purpose, notes, status,
		        decided_by, decided_at, rejection_reason, returned_at, created_at
		 FROM loan_requests WHERE id = $1`,
		id,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (*model.LoanRequest, error) {
	var (
		req             model.LoanRequest
		status          string
		decidedBy       *int64
		decidedAt       *time.Time
		rejectionReason *string
	)

	err := row.Scan(&req.ID, &req.MaterialID, &req.RequesterID, &req.Quantity,
		&req.Period.Start, &req.Period.End, &req.Purpose, &req.Notes, &status,
		&decidedBy, &decidedAt, &rejectionReason, &req.ReturnedAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}

	req.Status = model.RequestStatus(status)
	if decidedBy != nil && decidedAt != nil {
		d := model.Decision{By: *decidedBy, At: *decidedAt}
		if rejectionReason != nil {
			d.RejectionReason = *rejectionReason
		}
		req.Decision = &d
	}

	return &req, nil
}

// ListRequests возвращает все заявки, опционально отфильтрованные по статусу.
func (r *PostgresRepository) ListRequests(ctx context.Context, status model.RequestStatus) ([]model.LoanRequest, error) {
	query := `SELECT id, material_id, requester_id, quantity, start_date, end_date, purpose, notes, status,
	                 decided_by, decided_at, rejection_reason, returned_at, created_at
	          FROM loan_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	return r.queryRequests(ctx, query, args...)
}

// ListRequestsByUser возвращает заявки пользователя, отсортированные по дате создания.
func (r *PostgresRepository) ListRequestsByUser(ctx context.Context, userID int64) ([]model.LoanRequest, error) {
	query := `SELECT id, material_id, requester_id, quantity, start_date, end_date, purpose, notes, status,
	                 decided_by, decided_at, rejection_reason, returned_at, created_at
	          FROM loan_requests WHERE requester_id = $1 ORDER BY created_at DESC`

	return r.queryRequests(ctx, query, userID)
}

func (r *PostgresRepository) queryRequests(ctx context.Context, query string, args ...any) ([]model.LoanRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()

	var requests []model.LoanRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return requests, nil
}

// GetRequestHistory возвращает журнал переходов заявки в порядке фиксации.
func (r *PostgresRepository) GetRequestHistory(ctx context.Context, requestID string) ([]model.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT action, at, by_user, note
		 FROM loan_request_history
		 WHERE request_id = $1
		 ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		if err := rows.Scan(&e.Action, &e.At, &e.By, &e.Note); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// ApproveRequest атомарно переводит заявку pending → approved и списывает остаток материала.
// Оба эффекта фиксируются одной транзакцией: при нехватке остатка транзакция
// откатывается и заявка остаётся pending.
func (r *PostgresRepository) ApproveRequest(ctx context.Context, requestID string, approverID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		materialID, quantity, err := lockPendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}

		// Условное списание: если остатка уже не хватает, строка не обновится.
		cmdTag, err := tx.Exec(ctx,
			`UPDATE materials
			 SET available_quantity = available_quantity - $2, updated_at = now()
			 WHERE id = $1 AND available_quantity >= $2`,
			materialID, quantity,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM materials WHERE id = $1)`, materialID).Scan(&exists); err != nil {
				return fmt.Errorf("check material: %w", err)
			}
			if !exists {
				return ErrMaterialNotFound
			}
			return ErrInsufficientStock
		}

		_, err = tx.Exec(ctx,
			`UPDATE loan_requests
			 SET status = $2, decided_by = $3, decided_at = now()
			 WHERE id = $1`,
			requestID, string(model.RequestStatusApproved), approverID,
		)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		if err := appendHistory(ctx, tx, requestID, "approved", approverID, "request approved"); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// RejectRequest переводит заявку pending → rejected с указанием причины. Остаток не меняется.
func (r *PostgresRepository) RejectRequest(ctx context.Context, requestID string, approverID int64, reason string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, _, err := lockPendingRequest(ctx, tx, requestID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE loan_requests
			 SET status = $2, decided_by = $3, decided_at = now(), rejection_reason = $4
			 WHERE id = $1`,
			requestID, string(model.RequestStatusRejected), approverID, reason,
		)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		if err := appendHistory(ctx, tx, requestID, "rejected", approverID, "rejected: "+reason); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// ReturnRequest атомарно переводит заявку approved → returned и возвращает остаток материала.
func (r *PostgresRepository) ReturnRequest(ctx context.Context, requestID string, actorID int64, note string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			materialID string
			quantity   int
			status     string
		)
		err = tx.QueryRow(ctx,
			`SELECT material_id, quantity, status FROM loan_requests WHERE id = $1 FOR UPDATE`,
			requestID,
		).Scan(&materialID, &quantity, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("lock request: %w", err)
		}
		if model.RequestStatus(status) != model.RequestStatusApproved {
			return ErrAlreadyProcessed
		}

		// Возврат не может поднять остаток выше общего запаса.
		cmdTag, err := tx.Exec(ctx,
			`UPDATE materials
			 SET available_quantity = available_quantity + $2, updated_at = now()
			 WHERE id = $1 AND available_quantity + $2 <= total_quantity`,
			materialID, quantity,
		)
		if err != nil {
			return fmt.Errorf("increment stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM materials WHERE id = $1)`, materialID).Scan(&exists); err != nil {
				return fmt.Errorf("check material: %w", err)
			}
			if !exists {
				return ErrMaterialNotFound
			}
			return ErrStockInconsistent
		}

		noteText := "material returned"
		if note != "" {
			noteText = "material returned: " + note
		}

		_, err = tx.Exec(ctx,
			`UPDATE loan_requests SET status = $2, returned_at = now() WHERE id = $1`,
			requestID, string(model.RequestStatusReturned),
		)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		if err := appendHistory(ctx, tx, requestID, "returned", actorID, noteText); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// lockPendingRequest блокирует строку заявки и проверяет, что она ещё в состоянии pending.
func lockPendingRequest(ctx context.Context, tx pgx.Tx, requestID string) (string, int, error) {
	var (
		materialID string
		quantity   int
		status     string
	)
	err := tx.QueryRow(ctx,
		`SELECT material_id, quantity, status FROM loan_requests WHERE id = $1 FOR UPDATE`,
		requestID,
	).Scan(&materialID, &quantity, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrRequestNotFound
		}
		return "", 0, fmt.Errorf("lock request: %w", err)
	}
	if model.RequestStatus(status) != model.RequestStatusPending {
		return "", 0, ErrAlreadyProcessed
	}
	return materialID, quantity, nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, requestID, action string, by int64, note string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO loan_request_history (request_id, action, by_user, note) VALUES ($1, $2, $3, $4)`,
		requestID, action, by, note,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
