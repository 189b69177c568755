// Package handler содержит HTTP-обработчики API сервиса цифровых пропусков.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nocodeguys/digital-pass-system/internal/middleware"
	"github.com/nocodeguys/digital-pass-system/internal/model"
	"github.com/nocodeguys/digital-pass-system/internal/repository"
	"github.com/nocodeguys/digital-pass-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ValidateCart(ctx context.Context, cartID string) (*model.Classification, error)
	PrepareDigitalCheckout(ctx context.Context, input model.DigitalCheckoutInput) error
	AccessStatus(ctx context.Context, customerID string) (*model.AccessInfo, error)
	HandleOrderPlaced(ctx context.Context, orderID string) error
}

// Handler реализует HTTP-обработчики API сервиса цифровых пропусков.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

type digitalCheckoutRequest struct {
	CartID      string `json:"cart_id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
	VATNumber   string `json:"vat_number"`
	CountryCode string `json:"country_code"`
}

type digitalCheckoutResponse struct {
	Success          bool   `json:"success"`
	CartID           string `json:"cart_id"`
	RequiresShipping bool   `json:"requires_shipping"`
	Message          string `json:"message"`
}

// PrepareDigitalCheckout готовит корзину к цифровому оформлению.
func (h *Handler) PrepareDigitalCheckout(w http.ResponseWriter, r *http.Request) {
	var req digitalCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, digitalCheckoutResponse{
			Message: "invalid request body",
		})
		return
	}

	if req.CartID == "" || req.Email == "" || req.FirstName == "" || req.LastName == "" || req.CountryCode == "" {
		writeJSON(w, http.StatusBadRequest, digitalCheckoutResponse{
			CartID:  req.CartID,
			Message: "cart_id, email, first_name, last_name and country_code are required",
		})
		return
	}

	err := h.service.PrepareDigitalCheckout(r.Context(), model.DigitalCheckoutInput{
		CartID:      req.CartID,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CompanyName: req.CompanyName,
		VATNumber:   req.VATNumber,
		CountryCode: req.CountryCode,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCartNotFound):
			writeJSON(w, http.StatusNotFound, digitalCheckoutResponse{
				CartID:  req.CartID,
				Message: "Cart not found",
			})
		case errors.Is(err, service.ErrCartEmpty):
			writeJSON(w, http.StatusBadRequest, digitalCheckoutResponse{
				CartID:  req.CartID,
				Message: "Cart is empty",
			})
		case errors.Is(err, service.ErrRequiresShipping):
			writeJSON(w, http.StatusBadRequest, digitalCheckoutResponse{
				CartID:           req.CartID,
				RequiresShipping: true,
				Message:          "Cart contains physical products that require shipping",
			})
		default:
			h.logger.Error("prepare digital checkout error", zap.Error(err), zap.String("cartID", req.CartID))
			writeJSON(w, http.StatusInternalServerError, digitalCheckoutResponse{
				CartID:  req.CartID,
				Message: "internal server error",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, digitalCheckoutResponse{
		Success: true,
		CartID:  req.CartID,
		Message: "Cart prepared for digital checkout",
	})
}

type validateResponse struct {
	IsDigitalEligible bool                   `json:"is_digital_eligible"`
	CartID            string                 `json:"cart_id"`
	Items             []model.ClassifiedItem `json:"items"`
	TotalAccessDays   int                    `json:"total_access_days"`
	Message           string                 `json:"message,omitempty"`
}

// ValidateCart проверяет пригодность корзины для цифрового оформления.
func (h *Handler) ValidateCart(w http.ResponseWriter, r *http.Request) {
	cartID := urlParam(r, "cart_id")

	if cartID == "" {
		writeJSON(w, http.StatusBadRequest, validateResponse{
			Items:   []model.ClassifiedItem{},
			Message: "cart_id is required",
		})
		return
	}

	classification, err := h.service.ValidateCart(r.Context(), cartID)
	if err != nil {
		if errors.Is(err, repository.ErrCartNotFound) {
			writeJSON(w, http.StatusNotFound, validateResponse{
				CartID:  cartID,
				Items:   []model.ClassifiedItem{},
				Message: "Cart not found",
			})
			return
		}

		h.logger.Error("validate cart error", zap.Error(err), zap.String("cartID", cartID))
		writeJSON(w, http.StatusInternalServerError, validateResponse{
			CartID:  cartID,
			Items:   []model.ClassifiedItem{},
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		IsDigitalEligible: classification.IsDigitalEligible,
		CartID:            cartID,
		Items:             classification.Items,
		TotalAccessDays:   classification.TotalAccessDays,
	})
}

type accessResponse struct {
	Access        string  `json:"access"`
	ExpiresAt     *string `json:"expiresAt"`
	DaysRemaining *int    `json:"daysRemaining,omitempty"`
}

// GetAccess возвращает статус доступа текущего покупателя.
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.GetCustomerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	info, err := h.service.AccessStatus(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get access status error", zap.Error(err), zap.String("customerID", customerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := accessResponse{Access: string(info.Status)}
	if info.ExpiresAt != nil {
		formatted := info.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &formatted
	}
	if info.Status == model.AccessActive {
		days := info.DaysRemaining
		resp.DaysRemaining = &days
	}

	writeJSON(w, http.StatusOK, resp)
}

type orderPlacedRequest struct {
	OrderID string `json:"order_id"`
}

// OrderPlaced принимает событие размещения заказа от коммерц-платформы.
// Доставка как минимум однократная: повторная доставка безопасна, начисление
// по заказу дедуплицируется на уровне хранилища.
func (h *Handler) OrderPlaced(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret != "" && r.Header.Get("X-Webhook-Token") != h.webhookSecret {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req orderPlacedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandleOrderPlaced(r.Context(), req.OrderID); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("handle order placed error", zap.Error(err), zap.String("orderID", req.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
