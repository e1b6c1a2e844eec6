package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/ops_backend/config"
)

// ImportLock is a held advisory lock serializing imports of one
// business/collection/source. It is refreshed in the background until Release;
// Lost is closed if a refresh fails first.
type ImportLock struct {
	key    string
	ttl    time.Duration
	lock   *redislock.Lock
	stop   chan struct{}
	done   chan struct{}
	lost   chan struct{}
	once   sync.Once
	logger *logrus.Logger
}

func ImportLockKey(businessId, collection, sourceId string) string {
	return fmt.Sprintf("import:%s:%s:%s", businessId, collection, sourceId)
}

// ObtainImportLock takes the lock once; a held lock yields ErrImportInProgress.
func ObtainImportLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration) (*ImportLock, error) {
	logger := config.GetLogger()
	if locker == nil {
		config.LogError(logger, "utils", "ObtainImportLock", "Redis lock not initialized", key, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrImportInProgress, key)
	} else if err != nil {
		config.LogError(logger, "utils", "ObtainImportLock", "Error obtaining import lock", key, err)
		return nil, err
	}

	l := &ImportLock{
		key:    key,
		ttl:    ttl,
		lock:   lock,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
		logger: logger,
	}
	go l.keepAlive()
	return l, nil
}

func (l *ImportLock) Key() string {
	return l.key
}

// Lost is closed once the lock can no longer be assumed held. Callers stop
// writing when it fires.
func (l *ImportLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *ImportLock) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				config.LogError(l.logger, "utils", "ImportLock.keepAlive", "Failed to refresh import lock", l.key, err)
				close(l.lost)
				return
			}
		}
	}
}

// Release stops refreshing and frees the lock. Safe to call more than once.
func (l *ImportLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			err = nil
		}
	})
	return err
}
