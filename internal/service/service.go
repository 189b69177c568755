// Package service реализует бизнес-логику сервиса цифровых пропусков.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/nocodeguys/digital-pass-system/internal/entitlement"
	"github.com/nocodeguys/digital-pass-system/internal/model"
)

// ErrCartEmpty возвращается при попытке цифрового оформления пустой корзины.
var (
	ErrCartEmpty = errors.New("cart is empty")
	// ErrRequiresShipping возвращается, если корзина содержит физические товары.
	ErrRequiresShipping = errors.New("cart contains physical products that require shipping")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetCartWithItems(ctx context.Context, cartID string) (*model.Cart, error)
	UpdateCartForDigitalCheckout(ctx context.Context, cartID, email string, address model.Address, metaUpdates map[string]any) error
	GetOrderWithItems(ctx context.Context, orderID string) (*model.Order, error)
	GetVariant(ctx context.Context, variantID string) (*model.Variant, error)
	GetCustomer(ctx context.Context, customerID string) (*model.Customer, error)
	ListExpiredCustomers(ctx context.Context, now time.Time, afterID string, limit int) ([]model.Customer, error)
	EnqueueMembershipSync(ctx context.Context, entry model.OutboxEntry) error
	PendingMembershipSync(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	MarkMembershipSyncProcessed(ctx context.Context, id uuid.UUID) error
	MarkMembershipSyncFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// AccessStep — шаг продления доступа с компенсацией.
type AccessStep interface {
	Do(ctx context.Context, orderID string) (model.ExtensionResult, *model.CompensationSnapshot, error)
	Undo(ctx context.Context, snapshot *model.CompensationSnapshot) error
}

// Synchronizer синхронизирует членство во внешнем сообществе.
type Synchronizer interface {
	UpsertMember(ctx context.Context, email, name string) error
	RemoveMember(ctx context.Context, email string) error
}

// Notifier отправляет уведомления покупателям.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order *model.Order) error
}

const (
	sweepHour        = 2 // ежедневный запуск в 02:00
	sweepBatchSize   = 100
	sweepCallTimeout = 10 * time.Second
	outboxBatchSize  = 100
	outboxInterval   = 1 * time.Minute
)

// Service содержит бизнес-логику сервиса цифровых пропусков.
type Service struct {
	repo      Repository
	step      AccessStep
	community Synchronizer
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт новый сервис с указанными зависимостями.
func NewService(repo Repository, step AccessStep, community Synchronizer, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		step:      step,
		community: community,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ValidateCart классифицирует корзину для цифрового оформления.
func (s *Service) ValidateCart(ctx context.Context, cartID string) (*model.Classification, error) {
	cart, err := s.repo.GetCartWithItems(ctx, cartID)
	if err != nil {
		return nil, err
	}

	classification := entitlement.ClassifyItems(ctx, cart.Items, s.resolveVariantMetadata)
	return &classification, nil
}

// PrepareDigitalCheckout готовит корзину к цифровому оформлению: проверяет,
// что все позиции цифровые, и записывает email и адрес-заглушку, чтобы
// внешний конвейер оформления не требовал реального адреса доставки.
func (s *Service) PrepareDigitalCheckout(ctx context.Context, input model.DigitalCheckoutInput) error {
	cart, err := s.repo.GetCartWithItems(ctx, input.CartID)
	if err != nil {
		return err
	}

	if len(cart.Items) == 0 {
		return ErrCartEmpty
	}

	classification := entitlement.ClassifyItems(ctx, cart.Items, s.resolveVariantMetadata)
	if !classification.IsDigitalEligible {
		return ErrRequiresShipping
	}

	var companyName, vatNumber any
	if input.CompanyName != "" {
		companyName = input.CompanyName
	}
	if input.VATNumber != "" {
		vatNumber = input.VATNumber
	}

	address := model.Address{
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		Company:     input.CompanyName,
		Address1:    "Digital Delivery", // заглушка вместо пункта доставки
		City:        "N/A",
		PostalCode:  "00000",
		CountryCode: strings.ToLower(input.CountryCode),
		Metadata: map[string]any{
			model.MetaIsDigitalCheckout: true,
			model.MetaVATNumber:         vatNumber,
		},
	}

	metaUpdates := map[string]any{
		model.MetaIsDigitalCheckout: true,
		model.MetaCompanyName:       companyName,
		model.MetaVATNumber:         vatNumber,
	}

	return s.repo.UpdateCartForDigitalCheckout(ctx, input.CartID, input.Email, address, metaUpdates)
}

// HandleOrderPlaced обрабатывает событие размещения заказа: отправляет
// подтверждение, продлевает доступ и синхронизирует членство. Три действия
// изолированы: сбой любого из них логируется и не мешает остальным, а сбой
// синхронизации не откатывает уже зафиксированное продление.
func (s *Service) HandleOrderPlaced(ctx context.Context, orderID string) error {
	order, err := s.repo.GetOrderWithItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if err := s.notifier.SendOrderConfirmation(ctx, order); err != nil {
		s.logger.Error("send order confirmation error", zap.Error(err), zap.String("orderID", orderID))
	}

	// Снимок для отката принадлежит внешнему конвейеру обработки заказов;
	// у слушателя нет последующих шагов, поэтому Undo здесь не вызывается.
	result, _, err := s.step.Do(ctx, orderID)
	if err != nil {
		s.logger.Error("extend customer access error", zap.Error(err), zap.String("orderID", orderID))
		return nil
	}

	if !result.Success {
		return nil
	}

	s.logger.Info("extended customer access",
		zap.String("customerID", result.CustomerID),
		zap.Int("daysAdded", result.DaysAdded),
		zap.Time("newExpiry", result.NewExpiry),
	)

	s.syncMembershipUpsert(ctx, result.CustomerID)
	return nil
}

func (s *Service) syncMembershipUpsert(ctx context.Context, customerID string) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		s.logger.Error("load customer for membership sync error", zap.Error(err), zap.String("customerID", customerID))
		return
	}

	name := memberName(customer)
	if err := s.community.UpsertMember(ctx, customer.Email, name); err != nil {
		s.logger.Error("sync membership error", zap.Error(err), zap.String("email", customer.Email))
		s.enqueueMembershipSync(ctx, model.MembershipUpsert, customer.Email, name, err)
		return
	}

	s.logger.Info("synced customer to community", zap.String("email", customer.Email))
}

func memberName(customer *model.Customer) string {
	name := strings.TrimSpace(customer.FirstName + " " + customer.LastName)
	if name == "" {
		return customer.Email
	}
	return name
}

func (s *Service) enqueueMembershipSync(ctx context.Context, action model.MembershipAction, email, name string, cause error) {
	entry := model.OutboxEntry{
		ID:         uuid.New(),
		Action:     action,
		Email:      email,
		MemberName: name,
		LastError:  cause.Error(),
	}

	if err := s.repo.EnqueueMembershipSync(ctx, entry); err != nil {
		s.logger.Error("enqueue membership sync error", zap.Error(err), zap.String("email", email))
	}
}

// AccessStatus возвращает производный статус доступа покупателя.
func (s *Service) AccessStatus(ctx context.Context, customerID string) (*model.AccessInfo, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	expiresAt := entitlement.ParseExpiry(customer.Metadata)
	status, daysRemaining := entitlement.Status(expiresAt, s.now())

	return &model.AccessInfo{
		Status:        status,
		ExpiresAt:     expiresAt,
		DaysRemaining: daysRemaining,
	}, nil
}

// RunExpirySweep выполняет сверку истёкших прав доступа: для каждого
// покупателя с прошедшим сроком действия удаляет членство в сообществе.
// Сбой по одному покупателю логируется, откладывается в outbox и не
// прерывает обход. Срок действия при этом никогда не изменяется.
func (s *Service) RunExpirySweep(ctx context.Context) (int, error) {
	now := s.now()
	processed := 0
	afterID := ""

	for {
		customers, err := s.repo.ListExpiredCustomers(ctx, now, afterID, sweepBatchSize)
		if err != nil {
			return processed, fmt.Errorf("list expired customers: %w", err)
		}
		if len(customers) == 0 {
			break
		}

		for _, customer := range customers {
			if err := ctx.Err(); err != nil {
				return processed, err
			}

			callCtx, cancel := context.WithTimeout(ctx, sweepCallTimeout)
			err := s.community.RemoveMember(callCtx, customer.Email)
			cancel()

			if err != nil {
				s.logger.Error("remove expired member error", zap.Error(err), zap.String("email", customer.Email))
				s.enqueueMembershipSync(ctx, model.MembershipRemove, customer.Email, "", err)
				continue
			}

			processed++
			s.logger.Info("processed expired customer", zap.String("email", customer.Email))
		}

		afterID = customers[len(customers)-1].ID
	}

	s.logger.Info("expiry sweep completed", zap.Int("processed", processed))
	return processed, nil
}

// StartExpirySweep запускает ежедневную сверку истёкших прав доступа.
func (s *Service) StartExpirySweep(ctx context.Context) {
	go func() {
		for {
			timer := time.NewTimer(time.Until(nextSweepAt(s.now())))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, err := s.RunExpirySweep(ctx); err != nil {
					s.logger.Error("expiry sweep error", zap.Error(err))
				}
			}
		}
	}()
}

func nextSweepAt(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), sweepHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// StartOutboxWorker запускает фоновую доводку отложенных операций
// синхронизации членства.
func (s *Service) StartOutboxWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(outboxInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processOutboxBatch(ctx)
			}
		}
	}()
}

func (s *Service) processOutboxBatch(ctx context.Context) {
	entries, err := s.repo.PendingMembershipSync(ctx, outboxBatchSize)
	if err != nil {
		s.logger.Error("load pending membership sync error", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		backoff := retry.WithMaxRetries(2, retry.NewExponential(1*time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var callErr error
			switch entry.Action {
			case model.MembershipUpsert:
				callErr = s.community.UpsertMember(ctx, entry.Email, entry.MemberName)
			case model.MembershipRemove:
				callErr = s.community.RemoveMember(ctx, entry.Email)
			}
			if callErr != nil {
				return retry.RetryableError(callErr)
			}
			return nil
		})

		if err != nil {
			s.logger.Error("membership sync redelivery error", zap.Error(err), zap.String("email", entry.Email))
			if markErr := s.repo.MarkMembershipSyncFailed(ctx, entry.ID, err.Error()); markErr != nil {
				s.logger.Error("mark membership sync failed error", zap.Error(markErr))
			}
			continue
		}

		if err := s.repo.MarkMembershipSyncProcessed(ctx, entry.ID); err != nil {
			s.logger.Error("mark membership sync processed error", zap.Error(err))
		}
	}
}

func (s *Service) resolveVariantMetadata(ctx context.Context, variantID string) (map[string]any, error) {
	variant, err := s.repo.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	return variant.Metadata, nil
}
