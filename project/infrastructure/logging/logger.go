package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger は JSON 形式で出力するロガーを作成します
// レベルは LOG_LEVEL（debug / info / warn / error）で指定します
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	return logger
}

// NewLoggerWithService は service 項目を必ず付与するロガーを作成します
func NewLoggerWithService(serviceName string) *logrus.Entry {
	return NewLogger().WithField("service", serviceName)
}

// NewDiscard はテスト用に出力を捨てるロガーを返します
func NewDiscard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// ParseLevel はログレベル文字列を解釈します。未知の値は info として扱います
func ParseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
