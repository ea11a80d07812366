package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"KomicaReader/internal/model"

	"github.com/sirupsen/logrus"
)

const (
	// maxEmptyPages は、連続して空だった場合に一覧の終端とみなすページ数です。
	maxEmptyPages     = 3
	defaultRetryDelay = 1500 * time.Millisecond
)

// PageFetcher は、掲示板の1ページ分のスレッド一覧を取得します。
type PageFetcher interface {
	FetchThreads(ctx context.Context, boardURL string, page int) ([]model.Thread, error)
}

// Paginator は、スレッド一覧を0ページ目から順に取得します。
//
// 空のページは少し待ってから1回だけ再取得します。それでも空なら次のページへ進み、
// 空のページが maxEmptyPages 回続いた時点で一覧を終端とみなします。
// 通信エラーではページを進めないため、呼び出し側は同じページを再取得できます。
type Paginator struct {
	fetcher    PageFetcher
	boardURL   string
	next       int
	emptyRun   int
	exhausted  bool
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        logrus.FieldLogger
}

// NewPaginator は、boardURL の一覧を取得する Paginator を生成します。
func NewPaginator(fetcher PageFetcher, boardURL string, logger logrus.FieldLogger) *Paginator {
	return &Paginator{
		fetcher:    fetcher,
		boardURL:   boardURL,
		retryDelay: defaultRetryDelay,
		sleep:      sleepContext,
		log:        logger.WithFields(logrus.Fields{"component": "repository", "board": boardURL}),
	}
}

// Page は、次に取得するページ番号を返します。
func (p *Paginator) Page() int { return p.next }

// Exhausted は、一覧の終端に達したかどうかを返します。
func (p *Paginator) Exhausted() bool { return p.exhausted }

// Next は、次のページを取得します。
// 空のページでは ErrEmptyResult を返します。終端に達した後も ErrEmptyResult を返します。
func (p *Paginator) Next(ctx context.Context) ([]model.Thread, error) {
	if p.exhausted {
		return nil, fmt.Errorf("%w: これ以上のページはありません", ErrEmptyResult)
	}
	page := p.next

	threads, err := p.fetcher.FetchThreads(ctx, p.boardURL, page)
	if errors.Is(err, ErrEmptyResult) {
		p.log.WithField("page", page).Debug("空のページでした。再取得します")
		if err := p.sleep(ctx, p.retryDelay); err != nil {
			return nil, err
		}
		threads, err = p.fetcher.FetchThreads(ctx, p.boardURL, page)
	}

	switch {
	case err == nil:
		p.emptyRun = 0
		p.next++
		return threads, nil
	case errors.Is(err, ErrEmptyResult):
		p.emptyRun++
		p.next++
		if p.emptyRun >= maxEmptyPages {
			p.exhausted = true
			p.log.WithField("page", page).Info("空のページが続いたため、ページ送りを終了します")
		}
		return nil, err
	default:
		return nil, err
	}
}
