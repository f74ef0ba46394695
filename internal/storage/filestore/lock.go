package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
)

// TryLock 以 O_CREATE|O_EXCL 建立鎖檔
//
// 鎖檔內容為持有者 token、pid 與取得時間。持有期間每 LockStaleAfter/3 更新
// 一次修改時間；修改時間早於 LockStaleAfter 的鎖檔視為崩潰遺留，移除後重試一次。
// 釋放時只刪除自己的鎖檔。
func (s *Store) TryLock(ctx context.Context, name string) (storage.Unlock, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, "locks", safeName(name)+".lock")

	l, err := createLockFile(path)
	if errors.Is(err, storage.ErrLocked) {
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) < s.opts.LockStaleAfter {
			return nil, err
		}
		log.Warn("filestore: breaking stale lock", "lock", name, "age", time.Since(info.ModTime()))
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("filestore: break stale lock %s: %w", name, rmErr)
		}
		l, err = createLockFile(path)
	}
	if err != nil {
		return nil, err
	}

	go s.heartbeat(l, name)
	return l.release, nil
}

// fileLock 是一個被本行程持有的鎖檔
type fileLock struct {
	path  string
	owner string
	stop  chan struct{}
	once  sync.Once
	err   error
}

func createLockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, storage.ErrLocked
		}
		return nil, fmt.Errorf("filestore: create lock: %w", err)
	}
	owner := uuid.NewString() + " " + strconv.Itoa(os.Getpid()) + " " + time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	_, werr := f.WriteString(owner)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("filestore: write lock: %w", errors.Join(werr, cerr))
	}
	return &fileLock{path: path, owner: owner, stop: make(chan struct{})}, nil
}

// owned 檢查鎖檔是否仍屬於本持有者（未被當成崩潰遺留取代）
func (l *fileLock) owned() bool {
	data, err := os.ReadFile(l.path)
	return err == nil && string(data) == l.owner
}

func (l *fileLock) release() error {
	l.once.Do(func() {
		close(l.stop)
		if !l.owned() {
			return
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.err = err
		}
	})
	return l.err
}

// heartbeat 持有期間更新鎖檔修改時間，直到釋放、Store 關閉或鎖被取代
func (s *Store) heartbeat(l *fileLock, name string) {
	ticker := time.NewTicker(max(s.opts.LockStaleAfter/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
		if !l.owned() {
			log.Warn("filestore: lock was taken over", "lock", name)
			return
		}
		now := time.Now()
		if err := os.Chtimes(l.path, now, now); err != nil && !os.IsNotExist(err) {
			log.Warn("filestore: failed to refresh lock", "lock", name, "error", err)
		}
	}
}
