package middleware

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/kenneth/secure-git-relay/internal/metrics"
	"github.com/kenneth/secure-git-relay/internal/transport"
)

type contextKey string

const (
	binaryContextKey contextKey = "relay-envelope-binary"
)

// BinaryFromContext returns the decrypted binary side channel attached by
// EnvelopeMiddleware, if any.
func BinaryFromContext(ctx context.Context) []byte {
	b, _ := ctx.Value(binaryContextKey).([]byte)
	return b
}

// WithBinary attaches a decrypted binary side channel to ctx, the same way
// EnvelopeMiddleware does. Exported so handler tests can exercise a route
// without running the envelope middleware in front of it.
func WithBinary(ctx context.Context, binary []byte) context.Context {
	return context.WithValue(ctx, binaryContextKey, binary)
}

// EnvelopeMiddleware decrypts the "gameData" envelope field of non-GET/HEAD
// /api/* requests, validates v2 replay metadata, strips timestamp/nonce, and
// rewrites the request body to the decrypted metadata JSON. Requests without
// a gameData field pass through unchanged, per spec.md §4.6's "legacy
// routes" allowance.
func EnvelopeMiddleware(decryptor *transport.Decryptor, replay transport.ReplayCache, replayTTL, clockSkew time.Duration, requireReplay func() bool, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, apierr.New(apierr.CodeInvalidInput, "could not read request body"))
				return
			}
			r.Body.Close()

			var raw map[string]interface{}
			if len(body) > 0 {
				if err := json.Unmarshal(body, &raw); err != nil {
					WriteError(w, apierr.New(apierr.CodeInvalidInput, "request body is not valid JSON"))
					return
				}
			}

			envelopeB64, hasEnvelope := raw["gameData"].(string)
			if !hasEnvelope {
				r.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(w, r)
				return
			}

			envelope, err := base64.StdEncoding.DecodeString(envelopeB64)
			if err != nil {
				WriteError(w, apierr.New(apierr.CodeDecryptionFailed, "gameData is not valid base64"))
				return
			}

			version := "v1"
			if transport.IsV2(envelope) {
				version = "v2"
			}
			frame, err := decryptor.Decrypt(envelope)
			m.RecordEnvelopeDecrypt(version, err)
			if err != nil {
				if apiErr, ok := apierr.As(err); ok {
					WriteError(w, apiErr)
				} else {
					WriteError(w, apierr.Internal(err))
				}
				return
			}

			if transport.IsV2(envelope) && requireReplay() {
				if err := validateAndStripReplay(r.Context(), frame.Metadata, replay, replayTTL, clockSkew); err != nil {
					m.RecordReplayRejected()
					apiErr, _ := apierr.As(err)
					WriteError(w, apiErr)
					return
				}
			}

			rewritten, err := json.Marshal(frame.Metadata)
			if err != nil {
				WriteError(w, apierr.Internal(err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(rewritten))
			r.ContentLength = int64(len(rewritten))
			next.ServeHTTP(w, r.WithContext(WithBinary(r.Context(), frame.Binary)))
		})
	}
}

func validateAndStripReplay(ctx context.Context, metadata map[string]interface{}, replay transport.ReplayCache, ttl, clockSkew time.Duration) error {
	tsRaw, ok := metadata["timestamp"]
	if !ok {
		return apierr.New(apierr.CodeDecryptionFailed, "missing replay timestamp")
	}
	tsFloat, ok := tsRaw.(float64)
	if !ok {
		return apierr.New(apierr.CodeDecryptionFailed, "timestamp must be an integer")
	}
	nonce, ok := metadata["nonce"].(string)
	if !ok {
		return apierr.New(apierr.CodeDecryptionFailed, "missing replay nonce")
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	if err := transport.ValidateReplay(ctx, replay, nonce, int64(tsFloat), now, ttl, clockSkew); err != nil {
		return err
	}

	delete(metadata, "timestamp")
	delete(metadata, "nonce")
	return nil
}
