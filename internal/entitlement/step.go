package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nocodeguys/digital-pass-system/internal/model"
)

// ErrVariantNotFound сигнализирует, что вариант товара не существует.
// Репозиторий возвращает эту ошибку, чтобы шаг отличал отсутствующий
// вариант (позиция даёт 0 дней) от временного сбоя (ошибка шага).
var ErrVariantNotFound = errors.New("variant not found")

// OrderReader читает заказ вместе с позициями.
type OrderReader interface {
	GetOrderWithItems(ctx context.Context, orderID string) (*model.Order, error)
}

// VariantReader читает вариант товара.
type VariantReader interface {
	GetVariant(ctx context.Context, variantID string) (*model.Variant, error)
}

// ExtendOutcome — результат сериализованного обновления записи покупателя.
type ExtendOutcome struct {
	NewExpiry        time.Time
	PreviousMetadata map[string]any
	AlreadyGranted   bool
}

// Ledger выполняет сериализованное чтение-изменение-запись срока действия
// доступа покупателя и его откат.
type Ledger interface {
	// ExtendCustomerAccess атомарно продлевает доступ покупателя и
	// фиксирует факт начисления по заказу. Повторное начисление по тому
	// же заказу не изменяет запись (AlreadyGranted).
	ExtendCustomerAccess(ctx context.Context, orderID, customerID string, daysToAdd int, now time.Time) (*ExtendOutcome, error)
	// RestoreCustomerMetadata восстанавливает metadata покупателя целиком
	// и снимает отметку о начислении по заказу.
	RestoreCustomerMetadata(ctx context.Context, orderID, customerID string, metadata map[string]any) error
}

// stepTimeout ограничивает прямое действие шага; истечение — ошибка шага.
const stepTimeout = 15 * time.Second

// ExtendAccessStep — шаг саги «продлить доступ»: прямое действие Do и
// компенсация Undo. Компоновка шагов принадлежит внешнему конвейеру
// обработки заказов; сам шаг ничего не повторяет.
type ExtendAccessStep struct {
	orders   OrderReader
	variants VariantReader
	ledger   Ledger
	now      func() time.Time
}

// NewExtendAccessStep создаёт шаг продления доступа.
func NewExtendAccessStep(orders OrderReader, variants VariantReader, ledger Ledger) *ExtendAccessStep {
	return &ExtendAccessStep{
		orders:   orders,
		variants: variants,
		ledger:   ledger,
		now:      time.Now,
	}
}

// Do выполняет прямое действие: считает дни доступа по позициям заказа и
// продлевает срок действия покупателя. Гостевой заказ и заказ без цифровых
// товаров завершаются как {success:false} без компенсации и без мутаций.
// При успехе возвращается снимок metadata для возможного отката.
func (s *ExtendAccessStep) Do(ctx context.Context, orderID string) (model.ExtensionResult, *model.CompensationSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	order, err := s.orders.GetOrderWithItems(ctx, orderID)
	if err != nil {
		return model.ExtensionResult{}, nil, fmt.Errorf("load order: %w", err)
	}

	if order.CustomerID == nil {
		return model.ExtensionResult{}, nil, nil
	}

	totalDays := 0
	for _, item := range order.Items {
		if item.VariantID == nil {
			continue
		}

		variant, err := s.variants.GetVariant(ctx, *item.VariantID)
		if err != nil {
			if errors.Is(err, ErrVariantNotFound) {
				continue
			}
			return model.ExtensionResult{}, nil, fmt.Errorf("load variant %s: %w", *item.VariantID, err)
		}

		totalDays += AccessDays(variant.Metadata) * item.Quantity
	}

	if totalDays == 0 {
		return model.ExtensionResult{}, nil, nil
	}

	outcome, err := s.ledger.ExtendCustomerAccess(ctx, orderID, *order.CustomerID, totalDays, s.now())
	if err != nil {
		return model.ExtensionResult{}, nil, fmt.Errorf("extend customer access: %w", err)
	}

	if outcome.AlreadyGranted {
		// Повторная доставка события: начисление по заказу уже было.
		return model.ExtensionResult{}, nil, nil
	}

	result := model.ExtensionResult{
		Success:    true,
		CustomerID: *order.CustomerID,
		NewExpiry:  outcome.NewExpiry,
		DaysAdded:  totalDays,
	}

	snapshot := &model.CompensationSnapshot{
		OrderID:          orderID,
		CustomerID:       *order.CustomerID,
		PreviousMetadata: outcome.PreviousMetadata,
	}

	return result, snapshot, nil
}

// Undo восстанавливает metadata покупателя по снимку целиком (полный откат,
// не слияние) и снимает отметку о начислении, чтобы повторная обработка
// заказа могла выполнить продление заново. Вызывается внешним конвейером
// при сбое последующего шага; nil-снимок означает, что откатывать нечего.
func (s *ExtendAccessStep) Undo(ctx context.Context, snapshot *model.CompensationSnapshot) error {
	if snapshot == nil {
		return nil
	}

	if err := s.ledger.RestoreCustomerMetadata(ctx, snapshot.OrderID, snapshot.CustomerID, snapshot.PreviousMetadata); err != nil {
		return fmt.Errorf("restore customer metadata: %w", err)
	}
	return nil
}
