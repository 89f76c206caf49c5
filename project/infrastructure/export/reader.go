package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"support-bot/project/domain"
	"support-bot/project/dto"
	"support-bot/project/service"
)

// Reader は Slack エクスポート（<root>/<channel>/<date>.json）を読み込みます
type Reader struct {
	logger *logrus.Entry
}

// NewReader は Reader を作成します
func NewReader(logger *logrus.Entry) *Reader {
	return &Reader{logger: logger}
}

// ReadDir はエクスポートのルートディレクトリからチャンネルごとのイベント列を読み込みます
// channels を指定した場合はそのチャンネルだけを対象にします
// ルート直下のファイル（users.json など）は無視します
func (r *Reader) ReadDir(root string, channels ...string) ([]service.ChannelExport, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("export: ディレクトリ読み込み失敗 (path=%s): %w", root, err)
	}

	want := make(map[string]bool, len(channels))
	for _, c := range channels {
		want[c] = true
	}

	var out []service.ChannelExport
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(want) > 0 && !want[e.Name()] {
			continue
		}
		ch, err := r.ReadChannel(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// ReadChannel は1チャンネル分の日付ファイルをファイル名順に連結して読み込みます
// JSON として壊れたファイルは診断に記録して読み飛ばします
func (r *Reader) ReadChannel(dir string) (service.ChannelExport, error) {
	ch := service.ChannelExport{Name: filepath.Base(dir)}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return ch, fmt.Errorf("export: ファイル一覧取得失敗 (dir=%s): %w", dir, err)
	}
	// Glob は名前順で返す

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return ch, fmt.Errorf("export: ファイル読み込み失敗 (path=%s): %w", path, err)
		}

		events, diags, err := dto.ParseExport(data)
		if err != nil {
			if !errors.Is(err, domain.ErrMalformedInput) {
				return ch, fmt.Errorf("export: %s: %w", path, err)
			}
			r.logger.WithError(err).WithField("file", path).Warn("エクスポートファイルを読み飛ばしました")
			ch.Diagnostics = append(ch.Diagnostics, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		for _, d := range diags {
			ch.Diagnostics = append(ch.Diagnostics, fmt.Errorf("%s: %w", filepath.Base(path), d))
		}
		ch.Events = append(ch.Events, events...)
	}

	r.logger.WithFields(logrus.Fields{
		"channel":     ch.Name,
		"files":       len(files),
		"events":      len(ch.Events),
		"diagnostics": len(ch.Diagnostics),
	}).Debug("チャンネルを読み込みました")
	return ch, nil
}
