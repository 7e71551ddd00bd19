package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/arkantrust/account-ledger/models"
)

// APIVersion is reported in every response envelope.
const APIVersion = "v1.0"

// Response codes that do not come from the ledger.
const (
	CodeSuccess         = "SUCCESS"
	CodeValidationError = "VALIDATION_ERROR"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeNotFound        = "NOT_FOUND"
)

const systemErrorMessage = "an internal error occurred, please try again later"

// Envelope wraps every response body.
type Envelope struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Version   string    `json:"version"`
}

// AccountView is the account projection.
type AccountView struct {
	ID               int64                `json:"account_id"`
	AccountNumber    models.AccountNumber `json:"account_number"`
	Balance          models.Money         `json:"balance"`
	AvailableBalance models.Money         `json:"available_balance"`
	HoldAmount       models.Money         `json:"hold_amount"`
	Status           models.AccountStatus `json:"status"`
	Version          int64                `json:"version"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func newAccountView(a models.Account) AccountView {
	return AccountView{
		ID:               a.ID(),
		AccountNumber:    a.Number(),
		Balance:          a.Balance(),
		AvailableBalance: a.Balance(),
		HoldAmount:       models.Zero,
		Status:           a.Status(),
		Version:          a.Version(),
		CreatedAt:        a.CreatedAt(),
		UpdatedAt:        a.UpdatedAt(),
	}
}

// TransactionView is the transaction projection.
type TransactionView struct {
	ID             string                 `json:"transaction_id"`
	AccountNumber  models.AccountNumber   `json:"account_number"`
	Type           models.TransactionType `json:"transaction_type"`
	Amount         models.Money           `json:"amount"`
	BalanceBefore  models.Money           `json:"balance_before"`
	BalanceAfter   models.Money           `json:"balance_after"`
	Description    string                 `json:"description"`
	TransactedAt   time.Time              `json:"transaction_at"`
	Status         string                 `json:"status"`
	Channel        string                 `json:"channel"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// Stored transactions are always settled and this server is their only
// entry point.
const (
	transactionStatusSuccess = "SUCCESS"
	transactionChannelAPI    = "API"
)

func newTransactionView(t models.Transaction) (TransactionView, error) {
	before, err := t.BalanceBefore()
	if err != nil {
		return TransactionView{}, err
	}

	return TransactionView{
		ID:             t.ID,
		AccountNumber:  t.AccountNumber,
		Type:           t.Type,
		Amount:         t.Amount,
		BalanceBefore:  before,
		BalanceAfter:   t.BalanceAfter,
		Description:    t.Description,
		TransactedAt:   t.TransactedAt,
		Status:         transactionStatusSuccess,
		Channel:        transactionChannelAPI,
		IdempotencyKey: t.IdempotencyKey,
	}, nil
}

// requestError is a malformed request rejected before reaching the ledger.
type requestError struct {
	code       string
	message    string
	violations []FieldViolation
}

func (e *requestError) Error() string { return e.message }

// statusOf maps a ledger error code to an HTTP status.
func statusOf(code models.Code) int {
	switch code {
	case models.CodeInvalidAccountNumber, models.CodeInvalidAmount, models.CodeInvalidStatus:
		return http.StatusBadRequest
	case models.CodeAccountNotFound, models.CodeTransactionNotFound:
		return http.StatusNotFound
	case models.CodeAccountExists, models.CodeConcurrencyConflict, models.CodeDuplicateRequest:
		return http.StatusConflict
	case models.CodeInactiveAccount, models.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}

func respond(c *fiber.Ctx, status int, message string, data any) error {
	return c.Status(status).JSON(Envelope{
		Code:      CodeSuccess,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
		Version:   APIVersion,
	})
}

func respondError(c *fiber.Ctx, status int, code, message string, data any) error {
	return c.Status(status).JSON(Envelope{
		Code:      code,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
		Version:   APIVersion,
	})
}

// fail writes the error response for err. Messages of unclassified errors are
// logged but never sent to the client.
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	log := h.logger.With(
		zap.String("request_id", requestID(c)),
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
	)

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		log.Debug("request rejected", zap.String("code", reqErr.code), zap.Error(err))

		var data any
		if len(reqErr.violations) > 0 {
			data = reqErr.violations
		}
		return respondError(c, http.StatusBadRequest, reqErr.code, reqErr.message, data)
	}

	code := models.CodeOf(err)
	if code == models.CodeSystemError {
		log.Error("request failed", zap.Error(err))
		return respondError(c, http.StatusInternalServerError, string(code), systemErrorMessage, nil)
	}

	status := statusOf(code)
	if errors.Is(err, models.ErrConcurrencyConflict) {
		log.Warn("request lost every commit attempt", zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("code", string(code)), zap.Error(err))
	}

	return respondError(c, status, string(code), err.Error(), nil)
}

// ErrorHandler renders errors that escape the handlers, such as unknown
// routes, in the response envelope.
func (h *Handler) ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := CodeValidationError
		switch fe.Code {
		case fiber.StatusNotFound:
			code = CodeNotFound
		case fiber.StatusMethodNotAllowed:
			code = "METHOD_NOT_ALLOWED"
		}
		if fe.Code >= http.StatusInternalServerError {
			return h.fail(c, err)
		}
		return respondError(c, fe.Code, code, fe.Message, nil)
	}

	return h.fail(c, err)
}
