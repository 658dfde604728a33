package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/storefront/payments-api/internal/platform/httpx"
	"github.com/storefront/payments-api/internal/services"
)

// writeServiceError maps a service failure onto the JSON error envelope.
// Unclassified errors become 500 without leaking the cause.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout).AsRetryable())
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
		return
	}

	status := http.StatusInternalServerError
	switch svcErr.Kind {
	case services.KindInvalidRequest:
		status = http.StatusBadRequest
	case services.KindUnauthenticated:
		status = http.StatusUnauthorized
	case services.KindNotFound:
		status = http.StatusNotFound
	case services.KindInvalidState, services.KindConflict:
		status = http.StatusConflict
	case services.KindUpstreamFailure:
		status = http.StatusBadGateway
	}

	apiErr := httpx.NewError(svcErr.Code(), svcErr.SafeMessage(), status)
	if svcErr.Retryable() {
		apiErr = apiErr.AsRetryable()
	}
	httpx.WriteError(ctx, w, apiErr)
}

// writeBodyError reports a body that could not be read or decoded.
func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, what string) {
	httpx.WriteError(ctx, w, httpx.NewError(what+"_unavailable", what+" service unavailable", http.StatusServiceUnavailable))
}
