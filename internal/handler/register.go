package handler

// Register binds commands and callbacks to their handlers.
func (h *Handler) Register() {
	// Commands
	h.command("/start", h.handleStart)
	h.command("/help", h.handleStart)
	h.command("/balance", h.handleBalance)
	h.command("/deposit", h.handleDeposit)
	h.command("/checkout", h.handleCheckout)
	h.command("/cancel", h.handleCancelOrder)
	h.command("/pay", h.handlePay)

	// Admin
	h.command("/pool", h.handlePool)
	h.command("/ban", h.handleBan)
	h.command("/unban", h.handleUnban)
	h.command("/refund", h.handleRefund)

	// Callbacks
	h.callback("balance", h.handleBalance)
}
