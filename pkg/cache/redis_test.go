package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replyError mimics a Redis server error reply.
type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyRedisError(t *testing.T) {
	testCases := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "Cancelled context", err: context.Canceled},
		{name: "Expired deadline", err: fmt.Errorf("hset: %w", context.DeadlineExceeded)},
		{name: "Missing key", err: redis.Nil},
		{name: "Read timeout", err: &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}},
		{name: "Dial timeout", err: &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}},
		{name: "Pool timeout", err: redis.ErrPoolTimeout},
		{name: "Wrong type reply", err: replyError("WRONGTYPE Operation against a key holding the wrong kind of value")},
		{name: "Connection refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errors.New("connection refused"))}, unavailable: true},
		{name: "Closed client", err: redis.ErrClosed, unavailable: true},
		{name: "Auth required", err: replyError("NOAUTH Authentication required."), unavailable: true},
		{name: "Persistence failing", err: replyError("MISCONF Redis is configured to save RDB snapshots"), unavailable: true},
		{name: "Out of memory", err: replyError("OOM command not allowed when used memory > 'maxmemory'."), unavailable: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyRedisError(tc.err)

			assert.ErrorIs(t, got, tc.err, "original error stays matchable")
			assert.Equal(t, tc.unavailable, errors.Is(got, ErrStoreUnavailable))
		})
	}

	assert.NoError(t, classifyRedisError(nil))
}

func TestRedisStore_CancelledContextIsNotUnavailable(t *testing.T) {
	// Arrange
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := &RedisStore{redisClient: client, logger: zerolog.Nop(), prefix: "gigcache:", now: time.Now}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Act
	_, getErr := store.Get(ctx, Namespace("gigcache-data-v1"), "gig:42")
	putErr := store.Put(ctx, Namespace("gigcache-data-v1"), "gig:42", []byte("{}"))

	// Assert
	require.Error(t, getErr)
	require.Error(t, putErr)
	assert.NotErrorIs(t, getErr, ErrStoreUnavailable)
	assert.NotErrorIs(t, putErr, ErrStoreUnavailable)
}
