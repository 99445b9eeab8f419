package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/idempotency"
	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

const (
	replayHeader   = "X-Idempotent-Replay"
	maxIdemKeyLen  = 255
	maxReplayBody  = 1 << 20
	defaultIdemTTL = 24 * time.Hour
)

// Idempotency returns middleware that replays the stored response of a
// mutating request retried with the same X-Idempotency-Key. Reusing a key
// for a different request is a CONFLICT. Server errors are not recorded so
// the client may retry them.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultIdemTTL
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyHeader)
			if clientKey == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxIdemKeyLen {
				respondError(w, r, model.NewBadRequestError("X-Idempotency-Key is too long"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
			if err != nil {
				respondError(w, r, model.NewBadRequestError("unreadable request body"))
				return
			}
			if len(body) > maxReplayBody {
				respondError(w, r, model.NewBadRequestError("request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			userID := ""
			if p := PrincipalFrom(r.Context()); p != nil {
				userID = p.ID
			}
			key := idempotency.Key(userID, r.Method+" "+r.URL.Path, clientKey)
			hash := idempotency.Hash(r.Method, r.URL.Path, body)
			logger := observability.RequestLogger(r.Context(), zap.NewNop())

			stored, found, err := store.Check(r.Context(), key, hash)
			switch {
			case model.IsCode(err, model.ErrConflict):
				respondError(w, r, err)
				return
			case err != nil:
				logger.Warn("idempotency check failed, serving without replay", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			case found:
				metrics.RecordIdempotentReplay()
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set(replayHeader, "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				logger.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.written = true
	if w.body.Len() < maxReplayBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}
