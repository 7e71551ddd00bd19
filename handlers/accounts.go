// Package handlers provides the HTTP surface of the account ledger.
//
// Balance mutations are safe to retry:
//
//   - POST /api/v1/accounts/:accountNumber/deposit and .../withdraw accept an
//     Idempotency-Key header (or a transaction_id body field). The first
//     request with a key runs the mutation and returns 201 Created; every
//     later request with the same key gets the same transaction back with
//     200 OK and X-Idempotency-Replayed: true, without touching the balance.
//   - Reusing a key for a different amount or operation is rejected with 409.
//   - Reads never wait for writers.
//
// A request may fail after the server processed it but before the client got
// the response. The client's only safe recovery is to retry with the same
// key, which is why every mutation takes one.
package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arkantrust/account-ledger/ledger"
	"github.com/arkantrust/account-ledger/models"
)

const (
	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotencyReplayed = "X-Idempotency-Replayed"
)

const requestIDKey = "requestid"

// Handler holds the dependencies for all ledger HTTP handlers.
type Handler struct {
	service *ledger.Service
	logger  *zap.Logger
}

// New creates a new Handler over the given service.
func New(service *ledger.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{service: service, logger: logger}
}

// NewApp builds the fiber application with middleware and routes installed.
func NewApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// Route params and headers outlive the request in logs and storage.
		Immutable:    true,
		ErrorHandler: h.ErrorHandler,
	})

	app.Use(requestid.New(requestid.Config{
		Header:     fiber.HeaderXRequestID,
		Generator:  uuid.NewString,
		ContextKey: requestIDKey,
	}))

	// CORS lets browser clients on other origins reach the API.
	app.Use(cors.New(cors.Config{
		AllowHeaders:  "Origin, Content-Type, Accept, " + HeaderIdempotencyKey + ", " + fiber.HeaderXRequestID,
		ExposeHeaders: fiber.HeaderXRequestID + ", " + HeaderIdempotencyReplayed,
	}))

	h.Register(app)

	return app
}

// Register mounts the ledger routes on app.
func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.health)

	api := app.Group("/api/v1")

	accounts := api.Group("/accounts")
	// Account numbers are all digits, so this never shadows an account route.
	accounts.Get("/transactions/:transactionId", h.getTransaction)
	accounts.Post("/", h.openAccount)
	accounts.Get("/:accountNumber", h.getAccount)
	accounts.Get("/:accountNumber/balance", h.getBalance)
	accounts.Post("/:accountNumber/deposit", h.deposit)
	accounts.Post("/:accountNumber/withdraw", h.withdraw)
	accounts.Patch("/:accountNumber/status", h.updateStatus)
	accounts.Get("/:accountNumber/transactions", h.listTransactions)
}

// OpenAccountRequest is the body of POST /api/v1/accounts.
type OpenAccountRequest struct {
	AccountNumber  string          `json:"account_number" validate:"required,numeric,min=10,max=20"`
	InitialBalance decimal.Decimal `json:"initial_balance" validate:"non_negative_decimal"`
}

// TransactionRequest is the body of the deposit and withdraw routes.
type TransactionRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"money_amount"`
	Description string          `json:"description" validate:"required,min=1,max=100"`
	// TransactionID is the idempotency key when the header is absent.
	TransactionID string `json:"transaction_id" validate:"omitempty,max=50,idempotency_key"`
	// SourceType and DepositorInfo annotate deposits. They are logged, not stored.
	SourceType    string `json:"source_type" validate:"omitempty,max=20"`
	DepositorInfo string `json:"depositor_info" validate:"omitempty,max=50"`
}

// StatusRequest is the body of PATCH .../status. A status query parameter
// takes its place when present.
type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) health(c *fiber.Ctx) error {
	return respond(c, fiber.StatusOK, "ok", fiber.Map{"status": "UP"})
}

// openAccount handles POST /api/v1/accounts.
func (h *Handler) openAccount(c *fiber.Ctx) error {
	var req OpenAccountRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}

	number, err := models.NewAccountNumber(req.AccountNumber)
	if err != nil {
		return h.fail(c, err)
	}
	initial, err := models.NewMoney(req.InitialBalance)
	if err != nil {
		return h.fail(c, err)
	}

	account, err := h.service.OpenAccount(c.UserContext(), number, initial)
	if err != nil {
		return h.fail(c, err)
	}

	return respond(c, fiber.StatusCreated, "account opened", newAccountView(account))
}

// getAccount handles GET /api/v1/accounts/:accountNumber.
func (h *Handler) getAccount(c *fiber.Ctx) error {
	number, err := models.NewAccountNumber(c.Params("accountNumber"))
	if err != nil {
		return h.fail(c, err)
	}

	account, err := h.service.GetAccount(c.UserContext(), number)
	if err != nil {
		return h.fail(c, err)
	}

	return respond(c, fiber.StatusOK, "account retrieved", newAccountView(account))
}

// getBalance handles GET /api/v1/accounts/:accountNumber/balance.
func (h *Handler) getBalance(c *fiber.Ctx) error {
	number, err := models.NewAccountNumber(c.Params("accountNumber"))
	if err != nil {
		return h.fail(c, err)
	}

	balance, err := h.service.GetBalance(c.UserContext(), number)
	if err != nil {
		return h.fail(c, err)
	}

	return respond(c, fiber.StatusOK, "balance retrieved", balance)
}

func (h *Handler) deposit(c *fiber.Ctx) error {
	return h.mutateBalance(c, models.TransactionDeposit)
}

func (h *Handler) withdraw(c *fiber.Ctx) error {
	return h.mutateBalance(c, models.TransactionWithdraw)
}

// mutateBalance handles the deposit and withdraw routes.
//
// First call with a key → runs the mutation, returns 201 Created.
// Retry calls → return the SAME transaction with 200 OK (no write).
func (h *Handler) mutateBalance(c *fiber.Ctx, typ models.TransactionType) error {
	number, err := models.NewAccountNumber(c.Params("accountNumber"))
	if err != nil {
		return h.fail(c, err)
	}

	var req TransactionRequest
	if err := parseBody(c, &req); err != nil {
		return h.fail(c, err)
	}

	key, err := idempotencyKey(c, req)
	if err != nil {
		return h.fail(c, err)
	}

	amount, err := models.NewMoney(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}

	if req.SourceType != "" || req.DepositorInfo != "" {
		h.logger.Info("transaction annotated",
			zap.String("request_id", requestID(c)),
			zap.String("account_number", number.String()),
			zap.String("source_type", req.SourceType),
			zap.String("depositor_info", req.DepositorInfo),
		)
	}

	var res ledger.Result
	if typ == models.TransactionWithdraw {
		res, err = h.service.Withdraw(c.UserContext(), number, amount, req.Description, key)
	} else {
		res, err = h.service.Deposit(c.UserContext(), number, amount, req.Description, key)
	}
	if err != nil {
		return h.fail(c, err)
	}

	view, err := newTransactionView(res.Transaction)
	if err != nil {
		return h.fail(c, err)
	}

	if res.Replayed {
		c.Set(HeaderIdempotencyReplayed, "true")
		return respond(c, fiber.StatusOK, "transaction already processed", view)
	}

	c.Set(HeaderIdempotencyReplayed, "false")
	return respond(c, fiber.StatusCreated, "transaction completed", view)
}

// updateStatus handles PATCH /api/v1/accounts/:accountNumber/status.
func (h *Handler) updateStatus(c *fiber.Ctx) error {
	number, err := models.NewAccountNumber(c.Params("accountNumber"))
	if err != nil {
		return h.fail(c, err)
	}

	req := StatusRequest{Status: c.Query("status")}
	if req.Status == "" {
		if err := parseBody(c, &req); err != nil {
			return h.fail(c, err)
		}
	}

	status, err := models.ParseAccountStatus(req.Status)
	if err != nil {
		return h.fail(c, err)
	}

	account, err := h.service.UpdateStatus(c.UserContext(), number, status)
	if err != nil {
		return h.fail(c, err)
	}

	return respond(c, fiber.StatusOK, "account status updated", newAccountView(account))
}

// listTransactions handles GET /api/v1/accounts/:accountNumber/transactions.
func (h *Handler) listTransactions(c *fiber.Ctx) error {
	number, err := models.NewAccountNumber(c.Params("accountNumber"))
	if err != nil {
		return h.fail(c, err)
	}

	items, err := h.service.ListTransactions(c.UserContext(), number)
	if err != nil {
		return h.fail(c, err)
	}

	views := make([]TransactionView, 0, len(items))
	for _, t := range items {
		v, err := newTransactionView(t)
		if err != nil {
			return h.fail(c, err)
		}
		views = append(views, v)
	}

	return respond(c, fiber.StatusOK, "transactions retrieved", views)
}

// getTransaction handles GET /api/v1/accounts/transactions/:transactionId.
func (h *Handler) getTransaction(c *fiber.Ctx) error {
	t, err := h.service.GetTransaction(c.UserContext(), c.Params("transactionId"))
	if err != nil {
		return h.fail(c, err)
	}

	view, err := newTransactionView(t)
	if err != nil {
		return h.fail(c, err)
	}

	return respond(c, fiber.StatusOK, "transaction retrieved", view)
}

// parseBody decodes and validates a JSON body into req.
func parseBody(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return &requestError{code: CodeInvalidJSON, message: "request body is not valid JSON"}
	}

	if err := validate.Struct(req); err != nil {
		return &requestError{
			code:       CodeValidationError,
			message:    "request validation failed",
			violations: violations(err),
		}
	}

	return nil
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *fiber.Ctx, req TransactionRequest) (string, error) {
	key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
	if key == "" {
		return req.TransactionID, nil
	}

	if err := validateIdempotencyKey(key); err != nil {
		return "", &requestError{
			code:       CodeValidationError,
			message:    "invalid " + HeaderIdempotencyKey + " header",
			violations: []FieldViolation{{Field: HeaderIdempotencyKey, Rule: "idempotency_key"}},
		}
	}

	return key, nil
}
