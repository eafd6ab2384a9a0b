// Package redislock serializes funding decisions per project across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix       = "fundpool:project_lock"
	defaultLease        = 30 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	releaseTimeout      = 2 * time.Second
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrLockLost = errors.New("project lock lost before release")

// Client is the subset of go-redis used by Locker.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Option configures a Locker.
type Option func(*Locker)

// Locker implements funding.Locker with a Redis lease per project.
// An in-process lock is taken first so that callers in one process queue locally instead of polling Redis.
type Locker struct {
	client       Client
	local        *funding.ProjectLocks
	prefix       string
	lease        time.Duration
	pollInterval time.Duration
	newToken     func() string
	onLost       func(projectID funding.ProjectID, err error)
}

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(locker *Locker) {
		trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
		if trimmed != "" {
			locker.prefix = trimmed
		}
	}
}

// WithLease sets how long a held lock survives a crashed holder.
func WithLease(lease time.Duration) Option {
	return func(locker *Locker) {
		if lease > 0 {
			locker.lease = lease
		}
	}
}

// WithPollInterval sets the wait between acquisition attempts.
func WithPollInterval(interval time.Duration) Option {
	return func(locker *Locker) {
		if interval > 0 {
			locker.pollInterval = interval
		}
	}
}

// WithLostHandler is called when a release finds the lease already gone.
func WithLostHandler(handler func(projectID funding.ProjectID, err error)) Option {
	return func(locker *Locker) {
		if handler != nil {
			locker.onLost = handler
		}
	}
}

// New returns a Locker using client.
func New(client Client, options ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redislock: client is required")
	}
	locker := &Locker{
		client:       client,
		local:        funding.NewProjectLocks(),
		prefix:       defaultPrefix,
		lease:        defaultLease,
		pollInterval: defaultPollInterval,
		newToken:     uuid.NewString,
		onLost:       func(funding.ProjectID, error) {},
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker, nil
}

// Connect builds a go-redis client from a redis:// URL or a host:port address.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		options, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(options), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Lock blocks until the project lease is held or ctx is done.
func (locker *Locker) Lock(ctx context.Context, projectID funding.ProjectID) (func(), error) {
	unlockLocal, err := locker.local.Lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	key := locker.key(projectID)
	token := locker.newToken()
	for {
		acquired, err := locker.client.SetNX(ctx, key, token, locker.lease).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if acquired {
			break
		}
		timer := time.NewTimer(locker.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			unlockLocal()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return func() {
		defer unlockLocal()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		released, err := locker.client.Eval(releaseCtx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			locker.onLost(projectID, err)
			return
		}
		if released == 0 {
			locker.onLost(projectID, ErrLockLost)
		}
	}, nil
}

func (locker *Locker) key(projectID funding.ProjectID) string {
	return locker.prefix + ":" + projectID.String()
}
