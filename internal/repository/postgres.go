// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nocodeguys/digital-pass-system/internal/entitlement"
	"github.com/nocodeguys/digital-pass-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCartNotFound возвращается, если корзина не найдена.
var (
	ErrCartNotFound = errors.New("cart not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCustomerNotFound возвращается, если покупатель не найден.
	ErrCustomerNotFound = errors.New("customer not found")
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

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Блокировка строки покупателя сериализует параллельные продления,
		// но дедлоки и сбои сериализации всё же возможны — их повторяем.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
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

// GetCartWithItems возвращает корзину вместе с позициями.
func (r *PostgresRepository) GetCartWithItems(ctx context.Context, cartID string) (*model.Cart, error) {
	var c model.Cart
	err := r.pool.QueryRow(ctx,
		`SELECT id, COALESCE(email, ''), customer_id, COALESCE(metadata, '{}'::jsonb)
		 FROM carts
		 WHERE id = $1`,
		cartID,
	).Scan(&c.ID, &c.Email, &c.CustomerID, &c.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	items, err := r.listLineItems(ctx,
		`SELECT id, variant_id, COALESCE(title, ''), quantity
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cartID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	c.Items = items

	return &c, nil
}

// UpdateCartForDigitalCheckout записывает email, платёжный и доставочный
// адрес-заглушку и помечает корзину как цифровое оформление. Существующие
// ключи metadata сохраняются.
func (r *PostgresRepository) UpdateCartForDigitalCheckout(ctx context.Context, cartID, email string, address model.Address, metaUpdates map[string]any) error {
	addressJSON, err := json.Marshal(address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE carts
		 SET email = $2,
		     billing_address = $3::jsonb,
		     shipping_address = $3::jsonb,
		     metadata = COALESCE(metadata, '{}'::jsonb) || $4
		 WHERE id = $1`,
		cartID, email, string(addressJSON), metaUpdates,
	)
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrCartNotFound
	}

	return nil
}

// GetOrderWithItems возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrderWithItems(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	err := r.pool.QueryRow(ctx,
		`SELECT id, customer_id, COALESCE(email, ''), created_at
		 FROM orders
		 WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.CustomerID, &o.Email, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := r.listLineItems(ctx,
		`SELECT id, variant_id, COALESCE(title, ''), quantity
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	o.Items = items

	return &o, nil
}

func (r *PostgresRepository) listLineItems(ctx context.Context, query, parentID string) ([]model.LineItem, error) {
	rows, err := r.pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		var item model.LineItem
		if err := rows.Scan(&item.ID, &item.VariantID, &item.Title, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetVariant возвращает вариант товара с метаданными.
func (r *PostgresRepository) GetVariant(ctx context.Context, variantID string) (*model.Variant, error) {
	var v model.Variant
	err := r.pool.QueryRow(ctx,
		`SELECT id, COALESCE(title, ''), COALESCE(metadata, '{}'::jsonb)
		 FROM product_variants
		 WHERE id = $1`,
		variantID,
	).Scan(&v.ID, &v.Title, &v.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entitlement.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return &v, nil
}

// GetCustomer возвращает покупателя по идентификатору.
func (r *PostgresRepository) GetCustomer(ctx context.Context, customerID string) (*model.Customer, error) {
	var c model.Customer
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(metadata, '{}'::jsonb)
		 FROM customers
		 WHERE id = $1`,
		customerID,
	).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	return &c, nil
}

// ExtendCustomerAccess атомарно продлевает срок действия доступа покупателя.
// Строка покупателя блокируется на время транзакции, чтобы параллельные
// продления для одного покупателя не теряли наращивание. Отметка о
// начислении по заказу вставляется в той же транзакции: конфликт означает,
// что заказ уже был обработан, и запись покупателя не меняется.
func (r *PostgresRepository) ExtendCustomerAccess(ctx context.Context, orderID, customerID string, daysToAdd int, now time.Time) (*entitlement.ExtendOutcome, error) {
	var outcome *entitlement.ExtendOutcome

	err := r.withRetry(ctx, func() error {
		var txErr error
		outcome, txErr = r.extendCustomerAccessTx(ctx, orderID, customerID, daysToAdd, now)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

func (r *PostgresRepository) extendCustomerAccessTx(ctx context.Context, orderID, customerID string, daysToAdd int, now time.Time) (*entitlement.ExtendOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var metadata map[string]any
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(metadata, '{}'::jsonb) FROM customers WHERE id = $1 FOR UPDATE`,
		customerID,
	).Scan(&metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("lock customer for update: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	previous := make(map[string]any, len(metadata))
	for k, v := range metadata {
		previous[k] = v
	}

	newExpiry := entitlement.Extend(entitlement.ParseExpiry(metadata), daysToAdd, now)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO entitlement_grants (order_id, customer_id, days_added, new_expiry)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (order_id) DO NOTHING`,
		orderID, customerID, daysToAdd, newExpiry,
	)
	if err != nil {
		return nil, fmt.Errorf("insert grant: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return &entitlement.ExtendOutcome{AlreadyGranted: true}, nil
	}

	// Заменяется единственный ключ access_expires_at, остальные ключи
	// принадлежат внешним системам и переносятся как есть.
	metadata[model.MetaAccessExpiresAt] = entitlement.FormatExpiry(newExpiry)

	_, err = tx.Exec(ctx,
		`UPDATE customers SET metadata = $2 WHERE id = $1`,
		customerID, metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("update customer metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &entitlement.ExtendOutcome{
		NewExpiry:        newExpiry,
		PreviousMetadata: previous,
	}, nil
}

// RestoreCustomerMetadata восстанавливает metadata покупателя по снимку
// целиком и удаляет отметку о начислении по заказу.
func (r *PostgresRepository) RestoreCustomerMetadata(ctx context.Context, orderID, customerID string, metadata map[string]any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE customers SET metadata = $2 WHERE id = $1`,
		customerID, metadata,
	)
	if err != nil {
		return fmt.Errorf("restore metadata: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM entitlement_grants WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListExpiredCustomers возвращает очередную страницу покупателей с истёкшим
// сроком действия доступа. Фильтр по сроку выполняется на стороне БД;
// страницы выбираются по возрастанию id начиная с afterID.
// Значение access_expires_at записывается только этим сервисом в формате
// RFC 3339, поэтому приведение к timestamptz безопасно.
func (r *PostgresRepository) ListExpiredCustomers(ctx context.Context, now time.Time, afterID string, limit int) ([]model.Customer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(metadata, '{}'::jsonb)
		 FROM customers
		 WHERE metadata->>'access_expires_at' IS NOT NULL
		   AND (metadata->>'access_expires_at')::timestamptz < $1
		   AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		now, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired customers: %w", err)
	}
	defer rows.Close()

	var res []model.Customer
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Metadata); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// EnqueueMembershipSync сохраняет отложенную операцию синхронизации членства.
func (r *PostgresRepository) EnqueueMembershipSync(ctx context.Context, entry model.OutboxEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO membership_outbox (id, action, email, member_name, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID.String(), string(entry.Action), entry.Email, entry.MemberName, entry.Attempts, entry.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// PendingMembershipSync возвращает необработанные операции синхронизации
// в порядке их создания.
func (r *PostgresRepository) PendingMembershipSync(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, action, email, COALESCE(member_name, ''), attempts, COALESCE(last_error, ''), created_at
		 FROM membership_outbox
		 WHERE processed_at IS NULL
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox entries: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxEntry
	for rows.Next() {
		var (
			entry  model.OutboxEntry
			id     string
			action string
		)
		if err := rows.Scan(&id, &action, &entry.Email, &entry.MemberName, &entry.Attempts, &entry.LastError, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse outbox id: %w", err)
		}
		entry.ID = parsed
		entry.Action = model.MembershipAction(action)

		res = append(res, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkMembershipSyncProcessed помечает операцию синхронизации выполненной.
func (r *PostgresRepository) MarkMembershipSyncProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE membership_outbox SET processed_at = now() WHERE id = $1`,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", err)
	}
	return nil
}

// MarkMembershipSyncFailed фиксирует неудачную попытку выполнения операции.
func (r *PostgresRepository) MarkMembershipSyncFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE membership_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id.String(), lastError,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}
