package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"qcm-bot/api/internal/docs"
	"qcm-bot/api/internal/session"
)

// acceptDocument скачивает PDF из Telegram, проверяет его и отдаёт бэкенду
// как обучающий документ; путь на бэкенде становится DocumentPath сессии.
func (r *Router) acceptDocument(ctx context.Context, chatID int64, d tgbotapi.Document) {
	if r.MaxDocumentBytes > 0 && int64(d.FileSize) > r.MaxDocumentBytes {
		r.notifyErr(chatID, docs.ErrTooLarge)
		return
	}
	url, err := r.Bot.GetFileDirectURL(d.FileID)
	if err != nil {
		r.Log.Warn("file url failed", "chat_id", chatID, "err", err)
		r.send(chatID, "⚠️ لم أتمكن من تنزيل الملف")
		return
	}
	data, err := download(ctx, url)
	if err != nil {
		r.Log.Warn("file download failed", "chat_id", chatID, "err", err)
		r.send(chatID, "⚠️ لم أتمكن من تنزيل الملف")
		return
	}
	info, err := docs.Inspect(d.FileName, data, r.MaxDocumentBytes)
	if err != nil {
		r.Log.Info("document rejected", "chat_id", chatID, "name", d.FileName, "err", err)
		r.send(chatID, "⚠️ يرجى إرسال ملف PDF صالح")
		return
	}
	up, err := r.Backend.UploadTrainingDocument(ctx, info.Name, data)
	if err != nil {
		r.notifyErr(chatID, err)
		return
	}
	r.Sessions.Get(chatID).UpdateSettings(func(st *session.Settings) { st.DocumentPath = up.Path })
	r.Log.Info("training document uploaded", "chat_id", chatID, "name", info.Name, "pages", info.Pages, "path", up.Path)
	r.send(chatID, fmt.Sprintf("📄 تم رفع الملف %s (%d صفحة)", info.Name, info.Pages))
}

func download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
