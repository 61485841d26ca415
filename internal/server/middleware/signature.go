package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
)

// maxSignedBody bounds the body read for signature checks.
const maxSignedBody = 1 << 20

type callerKey struct{}

// CallerFrom returns the authenticated caller stored by Signature.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// WithCaller stores caller in ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Signature returns middleware that authenticates the request by its
// EIP-712 signature. The X-Caller header names the account, X-Timestamp is
// unix seconds and X-Signature covers method, path, body and timestamp.
// On success the caller is available through CallerFrom.
func Signature(verifier *crypto.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerHex := r.Header.Get(crypto.HeaderCaller)
			if !common.IsHexAddress(callerHex) {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid "+crypto.HeaderCaller)
				return
			}
			ts, err := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid "+crypto.HeaderTimestamp)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := common.HexToAddress(callerHex)
			req := crypto.Request{
				Caller:    caller,
				Method:    r.Method,
				Path:      r.URL.Path,
				Body:      body,
				Timestamp: time.Unix(ts, 0),
			}
			if err := verifier.Verify(req, r.Header.Get(crypto.HeaderSignature)); err != nil {
				logger.WarnContext(r.Context(), "middleware: signature rejected",
					slog.String("caller", caller.Hex()),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid request signature")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
