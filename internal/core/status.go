// Package core は、KomicaReader の中核となる処理を実装します。
// 掲示板・スレッドの取得と検索、返信の送信パイプライン、その応答の解釈を含みます。
package core

// ReplyState は返信パイプラインの進行状況を表すenumです。
type ReplyState int

const (
	ReplyIdle               ReplyState = iota // 待機中
	ReplyWarmingUp                            // セッション準備中
	ReplyAcquiringChallenge                   // チャレンジ取得中
	ReplyBuildingRequest                      // リクエスト構築中
	ReplySubmitting                           // 送信中
	ReplySucceeded                            // 成功
	ReplyFailed                               // 失敗
)

// String は ReplyState を人間可読な文字列に変換します。
func (s ReplyState) String() string {
	switch s {
	case ReplyIdle:
		return "待機中"
	case ReplyWarmingUp:
		return "セッション準備中"
	case ReplyAcquiringChallenge:
		return "チャレンジ取得中"
	case ReplyBuildingRequest:
		return "リクエスト構築中"
	case ReplySubmitting:
		return "送信中"
	case ReplySucceeded:
		return "成功"
	case ReplyFailed:
		return "失敗"
	default:
		return "不明"
	}
}

// Terminal は、パイプラインが終了した状態かどうかを返します。
func (s ReplyState) Terminal() bool {
	return s == ReplySucceeded || s == ReplyFailed
}
