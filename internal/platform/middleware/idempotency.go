package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ehr/ipd/internal/platform/auth"
	"github.com/labstack/echo/v4"
)

// DefaultIdempotencyTTL is how long a completed write can be replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "X-Idempotency-Replayed"
)

// CachedResponse is a completed write kept for replay.
type CachedResponse struct {
	Method     string
	Path       string
	BodyHash   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// IdempotencyStore must be safe for concurrent use.
type IdempotencyStore interface {
	Get(key string) (*CachedResponse, bool)
	Set(key string, entry *CachedResponse)
	Delete(key string)
}

type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryIdempotencyStore starts a store whose entries expire after ttl.
// Expired entries are evicted hourly; call Stop to end the sweeper.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryIdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryIdempotencyStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryIdempotencyStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryIdempotencyStore) Get(key string) (*CachedResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || s.nowFunc().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.clone(), true
}

func (s *MemoryIdempotencyStore) Set(key string, entry *CachedResponse) {
	cp := entry.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	s.entries[key] = cp
}

func (s *MemoryIdempotencyStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (r *CachedResponse) clone() *CachedResponse {
	cp := *r
	if r.Headers != nil {
		cp.Headers = r.Headers.Clone()
	}
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}

// Idempotency replays the stored response of a completed POST or PATCH sent
// again with the same Idempotency-Key by the same user. Only 2xx responses
// are stored, so a failed or incomplete discharge is executed again on the
// next submission. Reusing a key for another route or another body is
// rejected with 422; a second request while the first is still running gets
// 409.
func Idempotency(store IdempotencyStore) echo.MiddlewareFunc {
	var (
		mu       sync.Mutex
		inflight = make(map[string]struct{})
	)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost && req.Method != http.MethodPatch {
				return next(c)
			}
			header := req.Header.Get(IdempotencyKeyHeader)
			if header == "" {
				return next(c)
			}
			key := auth.UserIDFromContext(req.Context()) + "|" + header

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])
			path := req.URL.Path

			if cached, ok := store.Get(key); ok {
				if cached.Method != req.Method || cached.Path != path || cached.BodyHash != bodyHash {
					return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
						"error": "idempotency key was already used for a different request",
						"code":  "IDEMPOTENCY_KEY_REUSED",
					})
				}
				resp := c.Response()
				for k, vals := range cached.Headers {
					for _, v := range vals {
						resp.Header().Add(k, v)
					}
				}
				resp.Header().Set(IdempotencyReplayedHeader, "true")
				resp.WriteHeader(cached.StatusCode)
				_, err := resp.Write(cached.Body)
				return err
			}

			mu.Lock()
			if _, busy := inflight[key]; busy {
				mu.Unlock()
				return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
					"error": "a request with this idempotency key is in progress",
					"code":  "IDEMPOTENCY_KEY_IN_PROGRESS",
				})
			}
			inflight[key] = struct{}{}
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(inflight, key)
				mu.Unlock()
			}()

			origWriter := c.Response().Writer
			rec := &responseRecorder{
				body:       &bytes.Buffer{},
				statusCode: http.StatusOK,
				headers:    make(http.Header),
			}
			c.Response().Writer = rec
			err = next(c)
			c.Response().Writer = origWriter
			if err != nil {
				// Nothing reached the client yet; let the error handler write it.
				c.Response().Committed = false
				return err
			}

			if rec.statusCode >= 200 && rec.statusCode < 300 {
				store.Set(key, &CachedResponse{
					Method:     req.Method,
					Path:       path,
					BodyHash:   bodyHash,
					StatusCode: rec.statusCode,
					Headers:    rec.headers.Clone(),
					Body:       rec.body.Bytes(),
				})
			}

			for k, vals := range rec.headers {
				for _, v := range vals {
					origWriter.Header().Add(k, v)
				}
			}
			origWriter.WriteHeader(rec.statusCode)
			_, err = origWriter.Write(rec.body.Bytes())
			return err
		}
	}
}

// responseRecorder buffers a handler's response so it can be stored before
// being sent.
type responseRecorder struct {
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *responseRecorder) Header() http.Header {
	return r.headers
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
