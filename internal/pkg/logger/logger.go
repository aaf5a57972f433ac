// Package logger 构造进程级的 slog.Logger。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 返回输出到 stdout 的 JSON 日志器。
//
// 参数:
//
//	level: 日志级别（debug / info / warn / error），无法识别时使用 info
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New 返回输出到 w 的 JSON 日志器。
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler)
}

// ParseLevel 把字符串级别转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
