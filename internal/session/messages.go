package session

import "github.com/foxseedlab/kikitori/internal/transcription"

const (
	messageRestartAPILimit      = "音声認識の接続時間が上限に達したため、録音を再開してください。"
	messageRestartTimer         = "音声認識の接続を更新するため、録音を再開してください。"
	messageRestartStreamMissing = "音声認識に接続できませんでした。録音を再開してください。"
	messageRestartWriteFailed   = "音声データの送信に失敗しました。録音を再開してください。"
	messageRestartManual        = "録音の再開がリクエストされました。"
	messageRestartAPIError      = "音声認識サービスでエラーが発生しました。録音を再開してください。"
	messageRestartUnknown       = "不明なエラーが発生しました。録音を再開してください。"
)

func restartDetail(reason transcription.RestartReason) string {
	switch reason {
	case transcription.ReasonAPILimit:
		return messageRestartAPILimit
	case transcription.ReasonTimer:
		return messageRestartTimer
	case transcription.ReasonStreamMissing:
		return messageRestartStreamMissing
	case transcription.ReasonWriteFailed:
		return messageRestartWriteFailed
	case transcription.ReasonManual:
		return messageRestartManual
	}
	if reason.IsAPIError() {
		return messageRestartAPIError
	}
	return messageRestartUnknown
}
