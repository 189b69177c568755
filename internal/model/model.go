// Package model содержит доменные сущности сервиса цифровых пропусков.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Ключи метаданных, используемые сервисом. Остальные ключи в metadata
// принадлежат внешним системам и не интерпретируются.
const (
	MetaAccessExpiresAt   = "access_expires_at"
	MetaIsDigital         = "is_digital"
	MetaAccessDays        = "access_days"
	MetaIsDigitalCheckout = "is_digital_checkout"
	MetaCompanyName       = "company_name"
	MetaVATNumber         = "vat_number"
)

// Customer представляет покупателя внешней коммерц-платформы.
// Срок действия доступа хранится в metadata по ключу access_expires_at
// в формате RFC 3339 (UTC); все остальные ключи сохраняются без изменений.
type Customer struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Metadata  map[string]any
}

// LineItem описывает позицию заказа или корзины. Позиция без варианта
// считается нецифровой.
type LineItem struct {
	ID        string
	VariantID *string
	Title     string
	Quantity  int
}

// Order описывает размещённый заказ. Заказ без customer_id — гостевой
// и никогда не даёт права доступа.
type Order struct {
	ID         string
	CustomerID *string
	Email      string
	Items      []LineItem
	CreatedAt  time.Time
}

// Cart описывает корзину до оформления заказа.
type Cart struct {
	ID         string
	Email      string
	CustomerID *string
	Metadata   map[string]any
	Items      []LineItem
}

// Variant описывает вариант товара с метаданными цифрового доступа.
type Variant struct {
	ID       string
	Title    string
	Metadata map[string]any
}

// Address описывает платёжный/доставочный адрес корзины. Для цифрового
// оформления используется адрес-заглушка без реального пункта доставки.
type Address struct {
	FirstName   string         `json:"first_name"`
	LastName    string         `json:"last_name"`
	Company     string         `json:"company"`
	Address1    string         `json:"address_1"`
	City        string         `json:"city"`
	PostalCode  string         `json:"postal_code"`
	CountryCode string         `json:"country_code"`
	Phone       string         `json:"phone"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ClassifiedItem — позиция корзины/заказа после классификации.
type ClassifiedItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	IsDigital  bool   `json:"is_digital"`
	AccessDays int    `json:"access_days"`
}

// Classification — результат проверки набора позиций на цифровую
// пригодность. TotalAccessDays считается по всем позициям независимо
// от их флага is_digital.
type Classification struct {
	IsDigitalEligible bool
	Items             []ClassifiedItem
	TotalAccessDays   int
}

// ExtensionResult — результат шага продления доступа.
type ExtensionResult struct {
	Success    bool
	CustomerID string
	NewExpiry  time.Time
	DaysAdded  int
}

// CompensationSnapshot — полный снимок metadata покупателя до прямого
// действия шага. Откат восстанавливает снимок целиком, не сливая ключи.
type CompensationSnapshot struct {
	OrderID          string
	CustomerID       string
	PreviousMetadata map[string]any
}

// AccessStatus описывает производное состояние доступа покупателя.
type AccessStatus string

const (
	AccessNone    AccessStatus = "none"
	AccessActive  AccessStatus = "active"
	AccessExpired AccessStatus = "expired"
)

// MembershipAction — тип операции синхронизации членства.
type MembershipAction string

const (
	MembershipUpsert MembershipAction = "upsert"
	MembershipRemove MembershipAction = "remove"
)

// OutboxEntry — отложенная операция синхронизации членства. Записывается
// при сбое прямой синхронизации и повторяется фоновым обработчиком.
type OutboxEntry struct {
	ID         uuid.UUID
	Action     MembershipAction
	Email      string
	MemberName string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

// DigitalCheckoutInput — входные данные подготовки цифрового оформления.
type DigitalCheckoutInput struct {
	CartID      string
	Email       string
	FirstName   string
	LastName    string
	CompanyName string
	VATNumber   string
	CountryCode string
}

// AccessInfo — ответ на запрос статуса доступа текущего покупателя.
type AccessInfo struct {
	Status        AccessStatus
	ExpiresAt     *time.Time
	DaysRemaining int
}
