package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/benabook/ns-cafe/internal/domain/order"
	"github.com/benabook/ns-cafe/internal/payment"
)

// SignatureHeader carries the card processor's webhook signature. The
// lightning processor embeds its HMAC in the payload instead.
const SignatureHeader = "X-Payment-Signature"

const maxWebhookBody = 1 << 20

// webhook returns the callback endpoint for one processor. The payload is
// verified and parsed before anything in it is trusted; replays of an
// already-applied event are acknowledged with 200 so the processor stops
// retrying.
func (h *Handler) webhook(method order.PaymentMethod) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lg := zctx.From(ctx)

		parser, ok := h.parsers[method]
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "unknown payment processor")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "reading request body")
			return
		}

		settlement, err := parser.ParseWebhook(body, r.Header.Get(SignatureHeader))
		if err != nil {
			var malformed *payment.MalformedPayloadError
			switch {
			case errors.Is(err, payment.ErrBadSignature):
				lg.Warn("webhook signature rejected", zap.String("method", string(method)))
				writeError(w, http.StatusBadRequest, codeBadSignature, "signature verification failed")
			case errors.Is(err, payment.ErrEventIgnored):
				// Verified but not a settlement; acknowledge and move on.
				w.WriteHeader(http.StatusOK)
			case errors.As(err, &malformed):
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, malformed.Reason)
			default:
				lg.Error("webhook parse failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		// The order referenced by the payload must own the payment handle.
		// The lightning HMAC covers only the charge id, so the order_id
		// claim is otherwise unverified.
		ownerID, err := h.handles.FindIDByPaymentHandle(ctx, settlement.Handle)
		if err != nil || ownerID != settlement.OrderID {
			lg.Warn("webhook order mismatch",
				zap.String("claimed_order_id", settlement.OrderID),
				zap.String("handle", settlement.Handle))
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "order does not match payment")
			return
		}

		err = h.orders.ApplySettlement(ctx, settlement.EventID, settlement.OrderID, settlement.Paid)
		if err != nil {
			lg.Error("applying settlement",
				zap.String("event_id", settlement.EventID),
				zap.String("order_id", settlement.OrderID),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
