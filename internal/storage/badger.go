// Package storage は、HTTPレスポンスの永続キャッシュを BadgerDB 上に実装します。
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const responseKeyPrefix = "response:"

// BadgerResponseCache は、GETレスポンスのボディをURLをキーとして保存するキャッシュです。
// エントリは TTL の経過で自動的に失効します。
type BadgerResponseCache struct {
	db  *badger.DB
	ttl time.Duration
	log logrus.FieldLogger
}

// NewBadgerResponseCache は、dir にキャッシュを開きます。dir が空の場合はメモリ上に作成します。
func NewBadgerResponseCache(dir string, ttl time.Duration, logger logrus.FieldLogger) (*BadgerResponseCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("レスポンスキャッシュ '%s' を開けませんでした: %w", dir, err)
	}
	logger.WithFields(logrus.Fields{"dir": dir, "ttl": ttl}).Debug("レスポンスキャッシュを開きました")

	return &BadgerResponseCache{
		db:  db,
		ttl: ttl,
		log: logger.WithField("component", "cache"),
	}, nil
}

func responseKey(url string) []byte {
	return []byte(responseKeyPrefix + url)
}

// Get は、URLに対応するキャッシュ済みのボディを返します。
func (c *BadgerResponseCache) Get(url string) ([]byte, bool) {
	var body []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(responseKey(url))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.log.WithError(err).WithField("url", url).Warn("キャッシュの読み込みに失敗しました")
		}
		return nil, false
	}
	return body, true
}

// Set は、URLに対応するボディを保存します。
func (c *BadgerResponseCache) Set(url string, body []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(responseKey(url), body)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("キャッシュへの書き込みに失敗しました (%s): %w", url, err)
	}
	return nil
}

// Delete は、URLに対応するエントリを削除します。
func (c *BadgerResponseCache) Delete(url string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(responseKey(url))
	})
}

// Close は、データベースを閉じます。
func (c *BadgerResponseCache) Close() error {
	if err := c.db.Close(); err != nil {
		c.log.WithError(err).Error("レスポンスキャッシュのクローズに失敗しました")
		return err
	}
	return nil
}

// badgerLogger は、BadgerDB のログを logrus に流すためのアダプタです。
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
