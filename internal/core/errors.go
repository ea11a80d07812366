package core

import "errors"

var (
	// ErrEmptyResult は、応答は正常だったものの解析結果が0件だったことを示します。
	// ページ送りの終端判定に使用します。
	ErrEmptyResult = errors.New("結果が0件でした")
	// ErrSubmissionRejected は、サーバーが返信を受け付けなかったことを示します。
	ErrSubmissionRejected = errors.New("返信が拒否されました")
	// ErrEdgeBlocked は、CDNのボット対策によって返信が遮断されたことを示します (403/503)。
	ErrEdgeBlocked = errors.New("ボット対策によって遮断されました")
)
