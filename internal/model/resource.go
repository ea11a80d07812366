package model

// Resource は、取得処理の結果を表すタグ付きユニオンです。
// 成功なら Data、失敗なら Err のみが意味を持ちます。部分的な成功はありません。
type Resource[T any] struct {
	Data T
	Err  error
}

// Success は成功結果を生成します。
func Success[T any](data T) Resource[T] {
	return Resource[T]{Data: data}
}

// Failure は失敗結果を生成します。
func Failure[T any](err error) Resource[T] {
	return Resource[T]{Err: err}
}

// ResourceOf は、(値, エラー) の組を Resource に変換します。
func ResourceOf[T any](data T, err error) Resource[T] {
	if err != nil {
		return Failure[T](err)
	}
	return Success(data)
}

// OK は、成功結果かどうかを返します。
func (r Resource[T]) OK() bool {
	return r.Err == nil
}
