// Package notification отвечает за отправку уведомлений покупателям.
// Фактическая доставка писем принадлежит внешнему провайдеру; здесь
// фиксируется только факт и содержимое отправки.
package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/nocodeguys/digital-pass-system/internal/model"
)

// Sender отправляет письмо с подтверждением заказа.
type Sender struct {
	logger *zap.Logger
}

// NewSender создаёт отправитель уведомлений.
func NewSender(logger *zap.Logger) *Sender {
	return &Sender{logger: logger}
}

// SendOrderConfirmation отправляет покупателю подтверждение заказа.
func (s *Sender) SendOrderConfirmation(ctx context.Context, order *model.Order) error {
	s.logger.Info("sending order confirmation email",
		zap.String("orderID", order.ID),
		zap.String("email", order.Email),
	)
	return nil
}
