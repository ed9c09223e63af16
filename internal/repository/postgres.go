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
	"github.com/stocklot/stocklot-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoActiveFeeConfig возвращается, если ни одна конфигурация сборов не активна.
	ErrNoActiveFeeConfig = errors.New("no active fee configuration")
	// ErrFeeConfigNotFound возвращается, если конфигурация сборов не найдена.
	ErrFeeConfigNotFound = errors.New("fee configuration not found")
	// ErrPayoutNotFound возвращается, если выплата не найдена.
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrPayoutNotPending возвращается при попытке перевести выплату из финального статуса.
	ErrPayoutNotPending = errors.New("payout is not pending")
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только сериализационные сбои, дедлоки и сетевые ошибки.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
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
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateFeeConfig сохраняет новую конфигурацию сборов в неактивном состоянии.
func (r *PostgresRepository) CreateFeeConfig(ctx context.Context, cfg *model.FeeConfig) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO fee_configs
		   (name, platform_commission_pct, seller_payout_fee_pct, buyer_processing_fee_pct,
		    escrow_service_fee_minor, export_doc_fee_minor, model, effective_from, effective_to, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
		 RETURNING id`,
		cfg.Name, cfg.PlatformCommissionPct, cfg.SellerPayoutFeePct, cfg.BuyerProcessingFeePct,
		cfg.EscrowServiceFeeMinor, cfg.ExportDocFeeMinor, string(cfg.Model), cfg.EffectiveFrom, cfg.EffectiveTo,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create fee config: %w", err)
	}
	return id, nil
}

const feeConfigColumns = `id, name, platform_commission_pct, seller_payout_fee_pct, buyer_processing_fee_pct,
	escrow_service_fee_minor, export_doc_fee_minor, model, effective_from, effective_to, is_active, created_at`

func scanFeeConfig(row pgx.Row) (*model.FeeConfig, error) {
	var cfg model.FeeConfig
	var mdl string
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.PlatformCommissionPct, &cfg.SellerPayoutFeePct,
		&cfg.BuyerProcessingFeePct, &cfg.EscrowServiceFeeMinor, &cfg.ExportDocFeeMinor,
		&mdl, &cfg.EffectiveFrom, &cfg.EffectiveTo, &cfg.IsActive, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Model = model.FeeModel(mdl)
	return &cfg, nil
}

// ListFeeConfigs возвращает все конфигурации сборов, новые первыми.
func (r *PostgresRepository) ListFeeConfigs(ctx context.Context) ([]model.FeeConfig, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+feeConfigColumns+` FROM fee_configs ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select fee configs: %w", err)
	}
	defer rows.Close()

	var res []model.FeeConfig
	for rows.Next() {
		cfg, err := scanFeeConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fee config: %w", err)
		}
		res = append(res, *cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetActiveFeeConfig возвращает активную конфигурацию, действующую на указанный момент.
func (r *PostgresRepository) GetActiveFeeConfig(ctx context.Context, now time.Time) (*model.FeeConfig, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+feeConfigColumns+`
		 FROM fee_configs
		 WHERE is_active
		   AND effective_from <= $1
		   AND (effective_to IS NULL OR effective_to > $1)`,
		now,
	)

	cfg, err := scanFeeConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveFeeConfig
		}
		return nil, fmt.Errorf("get active fee config: %w", err)
	}

	return cfg, nil
}

// ActivateFeeConfig активирует конфигурацию и деактивирует все остальные
// в одной транзакции, сохраняя инвариант единственной активной конфигурации.
func (r *PostgresRepository) ActivateFeeConfig(ctx context.Context, id int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`UPDATE fee_configs SET is_active = false WHERE is_active AND id <> $1`, id,
		); err != nil {
			return fmt.Errorf("deactivate configs: %w", err)
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE fee_configs SET is_active = true WHERE id = $1`, id,
		)
		if err != nil {
			return fmt.Errorf("activate config: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrFeeConfigNotFound
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateSellerOrders сохраняет заказы всех продавцов подтверждения вместе
// с ожидающими выплатами в одной транзакции: либо сохраняются все заказы,
// либо ни один. Метку времени создания проставляет БД.
func (r *PostgresRepository) CreateSellerOrders(ctx context.Context, orders []model.SellerOrder) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range orders {
		order := &orders[i]

		err = tx.QueryRow(ctx,
			`INSERT INTO seller_orders (id, buyer_id, seller_id, buyer_total_minor, seller_net_payout_minor)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			order.ID, order.BuyerID, order.SellerID, order.BuyerTotalMinor, order.SellerNetPayoutMinor,
		).Scan(&order.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert seller order %s: %w", order.ID, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO payouts (seller_order_id, seller_id, amount_minor, status)
			 VALUES ($1, $2, $3, $4)`,
			order.ID, order.SellerID, order.SellerNetPayoutMinor, string(model.PayoutStatusPending),
		)
		if err != nil {
			return fmt.Errorf("insert payout for order %s: %w", order.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const payoutColumns = `id, seller_order_id, seller_id, amount_minor, status, attempts, transfer_ref, created_at, updated_at`

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var p model.Payout
	var status string
	err := row.Scan(&p.ID, &p.SellerOrderID, &p.SellerID, &p.AmountMinor, &status,
		&p.Attempts, &p.TransferRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.PayoutStatus(status)
	return &p, nil
}

// GetPayoutsBySeller возвращает выплаты продавца, новые первыми,
// с необязательным фильтром по статусу.
func (r *PostgresRepository) GetPayoutsBySeller(ctx context.Context, sellerID int64, status model.PayoutStatus, limit int) ([]model.Payout, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.pool.Query(ctx,
			`SELECT `+payoutColumns+`
			 FROM payouts
			 WHERE seller_id = $1
			 ORDER BY created_at DESC
			 LIMIT $2`,
			sellerID, limit,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+payoutColumns+`
			 FROM payouts
			 WHERE seller_id = $1 AND status = $2
			 ORDER BY created_at DESC
			 LIMIT $3`,
			sellerID, string(status), limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("select payouts: %w", err)
	}
	defer rows.Close()

	var res []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPayoutSummary возвращает агрегаты по выплатам продавца. Сумма последней
// отправленной выплаты отсутствует (NULL), пока продавец не получил ни одной.
func (r *PostgresRepository) GetPayoutSummary(ctx context.Context, sellerID int64) (*model.PayoutSummary, error) {
	var s model.PayoutSummary
	err := r.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'PENDING'),
		   COALESCE(SUM(amount_minor) FILTER (WHERE status = 'PENDING'), 0),
		   COUNT(*) FILTER (WHERE status = 'SENT'),
		   COALESCE(SUM(amount_minor) FILTER (WHERE status = 'SENT'), 0),
		   COUNT(*) FILTER (WHERE status = 'FAILED'),
		   (SELECT amount_minor
		      FROM payouts
		      WHERE seller_id = $1 AND status = 'SENT'
		      ORDER BY updated_at DESC
		      LIMIT 1)
		 FROM payouts
		 WHERE seller_id = $1`,
		sellerID,
	).Scan(&s.PendingCount, &s.PendingTotalMinor, &s.SentCount, &s.SentTotalMinor, &s.FailedCount, &s.LastSentMinor)
	if err != nil {
		return nil, fmt.Errorf("payout summary: %w", err)
	}
	return &s, nil
}

// GetPayoutBySellerOrder возвращает выплату по идентификатору заказа продавца.
func (r *PostgresRepository) GetPayoutBySellerOrder(ctx context.Context, sellerOrderID string) (*model.Payout, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE seller_order_id = $1`,
		sellerOrderID,
	)

	p, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("get payout: %w", err)
	}

	return p, nil
}

// MarkPayoutResult переводит выплату в финальный статус с учётом попытки.
// Разрешены только переходы из PENDING и FAILED; конкурирующий перевод
// уже завершённой выплаты отклоняется.
func (r *PostgresRepository) MarkPayoutResult(ctx context.Context, payoutID int64, status model.PayoutStatus, transferRef *string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payouts
		 SET status = $2, transfer_ref = COALESCE($3, transfer_ref), attempts = attempts + 1, updated_at = now()
		 WHERE id = $1 AND status IN ('PENDING', 'FAILED')`,
		payoutID, string(status), transferRef,
	)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPayoutNotPending
	}
	return nil
}

// GetPayoutsForDispatch возвращает неуспешные выплаты, которые фоновый
// диспетчер должен повторить.
func (r *PostgresRepository) GetPayoutsForDispatch(ctx context.Context, maxAttempts, limit int) ([]model.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+payoutColumns+`
		 FROM payouts
		 WHERE status = 'FAILED' AND attempts < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select payouts for dispatch: %w", err)
	}
	defer rows.Close()

	var res []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
