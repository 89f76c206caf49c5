package httpsec

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

// maxBodyBytes は Slack リクエストとして受け付ける本文の上限です
const maxBodyBytes = 1 << 20

// VerifySlackRequest は Slack からのリクエストの署名を検証します
// X-Slack-Signature と X-Slack-Request-Timestamp を確認し、5分より古いリクエストは拒否します
func VerifySlackRequest(header http.Header, body []byte, signingSecret string) error {
	sv, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("httpsec: 署名ヘッダ不正: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("httpsec: 署名計算失敗: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("httpsec: 署名検証失敗: %w", err)
	}
	return nil
}

// SlackVerifier は署名検証に通ったリクエストだけを next に渡すミドルウェアです
// 検証後の本文は next から再度読めるように戻します
func SlackVerifier(signingSecret string, logger *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body.Close()
			if err != nil {
				http.Error(w, "リクエスト本体の読み込み失敗", http.StatusBadRequest)
				return
			}

			if err := VerifySlackRequest(r.Header, body, signingSecret); err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Warn("Slack 署名検証に失敗しました")
				http.Error(w, "署名検証失敗", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
