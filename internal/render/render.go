// Package render は画像から高解像度の派生画像を生成します。
package render

import (
	"context"
	"fmt"
)

// Renderer は元画像のバイト列と目標横幅から派生画像を生成します。
// 同じ入力に対しては同じ結果を返し、入力を変更してはいけません。
// 劣化した出力を黙って返さず、失敗時は必ずエラーを返します。
type Renderer interface {
	Render(ctx context.Context, src []byte, targetWidth int) ([]byte, error)
}

// RenderFunc は関数を Renderer として扱うためのアダプタです。
type RenderFunc func(ctx context.Context, src []byte, targetWidth int) ([]byte, error)

// Render は f を呼び出します。
func (f RenderFunc) Render(ctx context.Context, src []byte, targetWidth int) ([]byte, error) {
	return f(ctx, src, targetWidth)
}

// エラーコード。
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnsupportedImage  = "UNSUPPORTED_IMAGE"
	CodeCorruptImage      = "CORRUPT_IMAGE"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeEncodeFailed      = "ENCODE_FAILED"
)

// Error はレンダリング失敗の理由を表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
