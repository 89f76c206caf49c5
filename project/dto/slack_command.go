package dto

// SlackSlashResponse はスラッシュコマンドへの応答本文です
type SlackSlashResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// Ephemeral はコマンド実行者のみに表示される応答を作成します
func Ephemeral(text string) SlackSlashResponse {
	return SlackSlashResponse{ResponseType: "ephemeral", Text: text}
}
