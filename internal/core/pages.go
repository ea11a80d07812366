package core

import (
	"context"
	"sync"

	"KomicaReader/internal/model"
)

const defaultPageConcurrency = 4

// FetchPages は、start ページから count ページ分の一覧を並行して取得します。
// 結果はページ順で、各ページの成否は Resource で表します。
// 同時に取得するページ数は concurrency (0以下なら4) に制限します。
func FetchPages(ctx context.Context, fetcher PageFetcher, boardURL string, start, count, concurrency int) []model.Resource[[]model.Thread] {
	if count <= 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = defaultPageConcurrency
	}
	results := make([]model.Resource[[]model.Thread], count)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			// 未着手のページはキャンセルとして埋める
			for j := i; j < count; j++ {
				results[j] = model.Failure[[]model.Thread](ctx.Err())
			}
			wg.Wait()
			return results
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			threads, err := fetcher.FetchThreads(ctx, boardURL, start+i)
			results[i] = model.ResourceOf(threads, err)
		}(i)
	}

	wg.Wait()
	return results
}
