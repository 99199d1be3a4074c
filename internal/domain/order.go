package domain

import "time"

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order was submitted and awaits payment.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid indicates payment succeeded; reached through the payment collaborator.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusAutoCancelled indicates the order was closed after the payment window elapsed.
	OrderStatusAutoCancelled OrderStatus = "auto_cancelled"
	// OrderStatusUserCancelled indicates the owner cancelled the order before paying.
	OrderStatusUserCancelled OrderStatus = "user_cancelled"
)

// OrderStatuses lists every persisted status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPendingPayment,
	OrderStatusPaid,
	OrderStatusAutoCancelled,
	OrderStatusUserCancelled,
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// SourceChannel identifies the client surface an order was submitted from.
type SourceChannel string

const (
	SourceChannelApp         SourceChannel = "app"
	SourceChannelWeb         SourceChannel = "web"
	SourceChannelMiniProgram SourceChannel = "mini_program"
)

// Order is the durable order header plus its line items.
type Order struct {
	ID            string
	OrderNumber   string
	Status        OrderStatus
	SourceChannel SourceChannel
	OwnerID       string
	Remark        string
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

// Total sums the snapshot prices of the order's line items.
func (o Order) Total() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

// OrderItem is an immutable snapshot of a selection taken at submission time.
type OrderItem struct {
	OrderID   string
	SKUID     string
	Title     string
	UnitPrice int64
	ImageURL  string
	Quantity  int
}

// Subtotal returns unit price multiplied by quantity.
func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// ItemSelection is a line the client reviewed during confirmation.
type ItemSelection struct {
	SKUID     string
	Quantity  int
	UnitPrice int64
	Title     string
	ImageURL  string
}

// Subtotal returns unit price multiplied by quantity.
func (s ItemSelection) Subtotal() int64 {
	return s.UnitPrice * int64(s.Quantity)
}

// SelectionTotal sums the selection-time subtotals.
func SelectionTotal(items []ItemSelection) int64 {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return total
}

// SKU is the authoritative catalog view used for pricing.
type SKU struct {
	ID       string
	Title    string
	Price    int64
	ImageURL string
}

// CartItem stores a single SKU entry within a member's cart.
type CartItem struct {
	SKUID     string
	Quantity  int
	UnitPrice int64
	Title     string
	ImageURL  string
	Checked   bool
}

// Address is a saved shipping destination for a member.
type Address struct {
	ID         string
	OwnerID    string
	Recipient  string
	Phone      string
	Region     string
	Line1      string
	Line2      string
	PostalCode string
	Default    bool
}

// Confirmation is the transient view a client reviews before submitting.
type Confirmation struct {
	Items     []ItemSelection
	Addresses []Address
	Token     string
}

// StockReservationLine is a single SKU quantity held by a reservation.
type StockReservationLine struct {
	SKUID    string
	Quantity int
}

// StockReservation is an inventory hold keyed by the submission token.
type StockReservation struct {
	Token     string
	Lines     []StockReservationLine
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
