// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName はすべてのログに付与するサービス名。
const ServiceName = "storefront"

// ParseLevel はLOG_LEVEL形式の文字列をslog.Levelに変換する。
// 未知の値や空文字はInfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 全レコードにserviceフィールドを付与する。
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With(slog.String("service", ServiceName))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// ログレベルは環境変数LOG_LEVELから読む。設定読み込み前に呼ばれるため、Configは経由しない。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w, ParseLevel(os.Getenv("LOG_LEVEL"))))
}
