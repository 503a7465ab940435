package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"device-credential-service/internal/domain"
)

// keyLock は鍵名ごとのセマフォ。refs は保持中と待機中の数で、Compute の中でのみ更新する。
type keyLock struct {
	sem  chan struct{}
	refs int
}

// keyLocks は鍵名ごとに操作を直列化する。異なる鍵名の操作は互いに待たない。
// 保持者も待機者もいなくなったエントリは削除する。
type keyLocks struct {
	sems *xsync.Map[string, *keyLock]
}

func newKeyLocks() *keyLocks {
	return &keyLocks{sems: xsync.NewMap[string, *keyLock]()}
}

// Lock は鍵名のロックを取得し、解放関数を返す。
// context が先に終了した場合は ErrPlatformUnavailable を返す。
func (l *keyLocks) Lock(ctx context.Context, keyName string) (func(), error) {
	lock, _ := l.sems.Compute(keyName, func(old *keyLock, loaded bool) (*keyLock, xsync.ComputeOp) {
		if !loaded {
			old = &keyLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, xsync.UpdateOp
	})

	select {
	case lock.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.sem
				l.release(keyName)
			})
		}, nil
	case <-ctx.Done():
		l.release(keyName)
		return nil, fmt.Errorf("waiting for key %q: %w: %w", keyName, domain.ErrPlatformUnavailable, ctx.Err())
	}
}

func (l *keyLocks) release(keyName string) {
	l.sems.Compute(keyName, func(old *keyLock, loaded bool) (*keyLock, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		old.refs--
		if old.refs <= 0 {
			return nil, xsync.DeleteOp
		}
		return old, xsync.UpdateOp
	})
}
