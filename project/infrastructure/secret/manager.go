package secret

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"support-bot/project/domain"
)

// versionAccessor は secretmanager.Client のうち使用するメソッドだけを切り出したものです
type versionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Manager は Secret Manager からボットの認証情報を読み込みます
type Manager struct {
	client    versionAccessor
	projectID string
	logger    *logrus.Entry
}

// NewManager は Secret Manager のマネージャーを初期化します
func NewManager(ctx context.Context, projectID string, logger *logrus.Entry) (*Manager, error) {
	if projectID == "" {
		return nil, fmt.Errorf("secret manager: プロジェクトIDが未設定です: %w", domain.ErrInvalid)
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager: クライアント初期化失敗: %w", err)
	}
	return newManager(client, projectID, logger), nil
}

func newManager(client versionAccessor, projectID string, logger *logrus.Entry) *Manager {
	return &Manager{client: client, projectID: projectID, logger: logger}
}

// GetSecret はシークレットの最新版を取得します
// 末尾の改行は取り除きます。存在しない場合は domain.ErrNotFound を返します
func (m *Manager) GetSecret(ctx context.Context, secretName string) (string, error) {
	result, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: versionName(m.projectID, secretName),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("secret manager: シークレットがありません (name=%s): %w", secretName, domain.ErrNotFound)
		}
		return "", fmt.Errorf("secret manager: シークレット取得失敗 (name=%s): %w", secretName, err)
	}

	value := strings.TrimRight(string(result.GetPayload().GetData()), "\r\n")
	if value == "" {
		return "", fmt.Errorf("secret manager: シークレット値が空です (name=%s): %w", secretName, domain.ErrInvalid)
	}

	m.logger.WithField("secret", secretName).Debug("シークレットを取得しました")
	return value, nil
}

// Close は Secret Manager クライアントを閉じます
func (m *Manager) Close() error {
	return m.client.Close()
}

// versionName は projects/{project}/secrets/{name}/versions/latest を組み立てます
func versionName(projectID, secretName string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretName)
}
