package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/spotlink/telegram"
)

const validBody = `{"update_id":1001,"message":{"message_id":1,"text":"/start"}}`

func header(secret string) http.Header {
	h := http.Header{}
	if secret != "" {
		h.Set(telegram.SecretHeader, secret)
	}
	return h
}

func TestHandleBeforeBind(t *testing.T) {
	q := NewQueue()
	in := NewIngress(q)

	err := in.Handle(header("anything"), []byte(validBody))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 0, q.Len())
}

func TestBindOnce(t *testing.T) {
	in := NewIngress(NewQueue())
	assert.ErrorIs(t, in.Bind(""), ErrEmptySecret)
	assert.False(t, in.Bound())

	require.NoError(t, in.Bind("s1"))
	assert.True(t, in.Bound())
	assert.ErrorIs(t, in.Bind("s2"), ErrAlreadyBound)

	// the first secret stays in force
	assert.NoError(t, in.Handle(header("s1"), []byte(validBody)))
	assert.ErrorIs(t, in.Handle(header("s2"), []byte(validBody)), ErrUnauthorized)
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		body    string
		wantErr error
		queued  int
	}{
		{"valid", "s3cret", validBody, nil, 1},
		{"missing header", "", validBody, ErrUnauthorized, 0},
		{"wrong secret", "s3cre", validBody, ErrUnauthorized, 0},
		{"longer secret", "s3cret-and-more", validBody, ErrUnauthorized, 0},
		{"wrong secret with garbage body", "nope", "{{{", ErrUnauthorized, 0},
		{"garbage body", "s3cret", "{{{", ErrMalformedPayload, 0},
		{"no update_id", "s3cret", `{"message":{}}`, ErrMalformedPayload, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			in := NewIngress(q)
			require.NoError(t, in.Bind("s3cret"))

			err := in.Handle(header(tt.secret), []byte(tt.body))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.queued, q.Len())
		})
	}
}

func TestServeHTTP(t *testing.T) {
	oversized := `{"update_id":1,"x":"` + strings.Repeat("a", MaxBodyBytes+10) + `"}`
	tests := []struct {
		name       string
		bind       bool
		method     string
		secret     string
		body       string
		wantStatus int
	}{
		{"not bound", false, http.MethodPost, "s", validBody, http.StatusServiceUnavailable},
		{"ok", true, http.MethodPost, "s", validBody, http.StatusOK},
		{"unauthorized", true, http.MethodPost, "x", validBody, http.StatusUnauthorized},
		{"malformed", true, http.MethodPost, "s", "not json", http.StatusBadRequest},
		{"get", true, http.MethodGet, "s", "", http.StatusMethodNotAllowed},
		{"too large", true, http.MethodPost, "s", `{"update_id":1,"x":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
		{"too large before bind", false, http.MethodPost, "s", oversized, http.StatusServiceUnavailable},
		{"too large with wrong secret", true, http.MethodPost, "x", oversized, http.StatusUnauthorized},
		{"too large without secret", true, http.MethodPost, "", oversized, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			in := NewIngress(q)
			if tt.bind {
				require.NoError(t, in.Bind("s"))
			}
			req := httptest.NewRequest(tt.method, "/webhook", strings.NewReader(tt.body))
			req.Header.Set(telegram.SecretHeader, tt.secret)
			rr := httptest.NewRecorder()
			in.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"ok":true}`, rr.Body.String())
				assert.Equal(t, 1, q.Len())
			} else {
				assert.Equal(t, 0, q.Len())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, Status(nil))
	assert.Equal(t, http.StatusServiceUnavailable, Status(ErrNotReady))
	assert.Equal(t, http.StatusUnauthorized, Status(ErrUnauthorized))
	assert.Equal(t, http.StatusBadRequest, Status(errors.Join(ErrMalformedPayload, errors.New("eof"))))
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("other")))
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := int64(1); i <= 3; i++ {
		q.Push(&telegram.Update{UpdateID: i})
	}
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		u, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, u.UpdateID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan int64, 1)
	go func() {
		u, err := q.Pop(context.Background())
		if err == nil {
			got <- u.UpdateID
		}
	}()
	select {
	case <-got:
		t.Fatal("Pop returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.Push(&telegram.Update{UpdateID: 7})
	select {
	case id := <-got:
		assert.Equal(t, int64(7), id)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueuePopCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushDoesNotWaitForProcessing(t *testing.T) {
	q := NewQueue()
	in := NewIngress(q)
	require.NoError(t, in.Bind("s"))

	// no consumer is running; every delivery is still acknowledged
	for i := 0; i < 500; i++ {
		require.NoError(t, in.Handle(header("s"), []byte(validBody)))
	}
	assert.Equal(t, 500, q.Len())
}

func TestConsume(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int64
	var processed atomic.Int32
	done := make(chan struct{})
	go func() {
		Consume(ctx, q, func(_ context.Context, u *telegram.Update) error {
			processed.Add(1)
			switch u.UpdateID {
			case 2:
				return errors.New("handler failed")
			case 3:
				panic("boom")
			}
			mu.Lock()
			seen = append(seen, u.UpdateID)
			mu.Unlock()
			return nil
		})
		close(done)
	}()

	for i := int64(1); i <= 5; i++ {
		q.Push(&telegram.Update{UpdateID: i})
	}
	require.Eventually(t, func() bool { return processed.Load() == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not stop on cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 4, 5}, seen)
}

func TestConcurrentPushPop(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers, perProducer = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(&telegram.Update{UpdateID: 1})
			}
		}()
	}
	var popped atomic.Int32
	var cwg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for popped.Load() < producers*perProducer {
				pctx, pcancel := context.WithTimeout(ctx, 50*time.Millisecond)
				if _, err := q.Pop(pctx); err == nil {
					popped.Add(1)
				}
				pcancel()
			}
		}()
	}
	wg.Wait()
	cwg.Wait()
	assert.Equal(t, int32(producers*perProducer), popped.Load())
	assert.Equal(t, 0, q.Len())
}
