package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type DashboardStats struct {
	OrdersToday   int64           `json:"ordersToday"`
	RevenueToday  decimal.Decimal `json:"revenueToday"`
	ActivePickers int64           `json:"activePickers"`
	ActiveRiders  int64           `json:"activeRiders"`
	PendingOrders int64           `json:"pendingOrders"`
	LowStockItems int64           `json:"lowStockItems"`
	NewUsersToday int64           `json:"newUsersToday"`
}

// StatsPatch is a partial stats-update; nil fields are left untouched.
type StatsPatch struct {
	OrdersToday   *int64           `json:"ordersToday,omitempty"`
	RevenueToday  *decimal.Decimal `json:"revenueToday,omitempty"`
	ActivePickers *int64           `json:"activePickers,omitempty"`
	ActiveRiders  *int64           `json:"activeRiders,omitempty"`
	PendingOrders *int64           `json:"pendingOrders,omitempty"`
	LowStockItems *int64           `json:"lowStockItems,omitempty"`
	NewUsersToday *int64           `json:"newUsersToday,omitempty"`
}

type ActivityEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type InventoryUpdate struct {
	ProductID    string `json:"productId"`
	ProductName  string `json:"productName"`
	CurrentStock int64  `json:"currentStock"`
	Type         string `json:"type"`
}

const InventoryLowStock = "low_stock"

type UserRegistration struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}
