package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"qcm-bot/api/internal/qcm"
)

var (
	// ErrTransport - сеть, HTTP-статус не 2xx или неразборчивый ответ.
	ErrTransport = errors.New("backend transport error")
	// ErrRejected - бэкенд ответил success=false.
	ErrRejected = errors.New("backend rejected request")
)

// RejectedError несёт сообщение бэкенда; errors.Is(err, ErrRejected) == true.
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return e.Op + ": rejected"
	}
	return e.Op + ": " + e.Message
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

const uploadDir = "uploads"

type Client struct {
	BaseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (e envelope) check(op string) error {
	if !e.Success {
		return &RejectedError{Op: op, Message: e.Message}
	}
	return nil
}

// SubmitGenerationJob - POST /generate, возвращает id фоновой задачи.
func (c *Client) SubmitGenerationJob(ctx context.Context, req qcm.GenerationRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	var out struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := c.postJSON(ctx, "/generate", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", &RejectedError{Op: "generate", Message: "no task id in response"}
	}
	return out.TaskID, nil
}

// PollJobStatus - GET /status/{id}.
func (c *Client) PollJobStatus(ctx context.Context, jobID string) (qcm.Job, error) {
	var out struct {
		Status    string               `json:"status"`
		Questions []qcm.QuestionRecord `json:"questions"`
		Error     string               `json:"error"`
	}
	if err := c.getJSON(ctx, "/status/"+url.PathEscape(jobID), &out); err != nil {
		return qcm.Job{}, err
	}
	job := qcm.Job{ID: jobID, Status: qcm.NormalizeStatus(out.Status)}
	switch job.Status {
	case qcm.JobCompleted:
		job.Questions = out.Questions
	case qcm.JobError:
		job.Error = out.Error
	}
	return job, nil
}

func (c *Client) SaveQuestion(ctx context.Context, rec qcm.QuestionRecord) (string, error) {
	var out envelope
	if err := c.postJSON(ctx, "/save-question", rec, &out); err != nil {
		return "", err
	}
	return out.Message, out.check("save-question")
}

type SaveSetResult struct {
	Message string
	TextID  string
	File    string
}

// SaveQuestionSet отправляет уже сериализованный ExportPayload как есть:
// байты тела запроса совпадают с байтами, которые получит пользователь.
func (c *Client) SaveQuestionSet(ctx context.Context, payload []byte) (SaveSetResult, error) {
	var out struct {
		envelope
		TextID string `json:"text_id"`
		File   string `json:"file"`
	}
	if err := c.do(ctx, http.MethodPost, "/save-qcm-set", "application/json", bytes.NewReader(payload), &out); err != nil {
		return SaveSetResult{}, err
	}
	if err := out.check("save-qcm-set"); err != nil {
		return SaveSetResult{}, err
	}
	return SaveSetResult{Message: out.Message, TextID: out.TextID, File: out.File}, nil
}

type questionWithText struct {
	Text     string             `json:"text"`
	Question qcm.QuestionRecord `json:"question"`
}

func (c *Client) ImproveQuestion(ctx context.Context, sourceText string, rec qcm.QuestionRecord) (qcm.QuestionRecord, error) {
	var out struct {
		envelope
		Improved *qcm.QuestionRecord `json:"improved_question"`
	}
	if err := c.postJSON(ctx, "/improve-question", questionWithText{Text: sourceText, Question: rec}, &out); err != nil {
		return qcm.QuestionRecord{}, err
	}
	if err := out.check("improve-question"); err != nil {
		return qcm.QuestionRecord{}, err
	}
	if out.Improved == nil {
		return qcm.QuestionRecord{}, &RejectedError{Op: "improve-question", Message: "empty improved_question"}
	}
	return *out.Improved, nil
}

func (c *Client) SuggestImprovements(ctx context.Context, sourceText string, rec qcm.QuestionRecord) (qcm.Suggestion, error) {
	var out struct {
		envelope
		Suggestion *qcm.Suggestion `json:"improvement_suggestion"`
	}
	if err := c.postJSON(ctx, "/suggest-improvements", questionWithText{Text: sourceText, Question: rec}, &out); err != nil {
		return qcm.Suggestion{}, err
	}
	if err := out.check("suggest-improvements"); err != nil {
		return qcm.Suggestion{}, err
	}
	if out.Suggestion == nil {
		return qcm.Suggestion{}, &RejectedError{Op: "suggest-improvements", Message: "empty improvement_suggestion"}
	}
	return *out.Suggestion, nil
}

// UploadResult - куда бэкенд положил документ и что он ответил.
type UploadResult struct {
	Path    string
	Message string
}

// UploadTrainingDocument - multipart POST /upload-pdf с полем "file".
// Бэкенд кладёт файл в uploads/<имя>; этот путь потом уходит в document_path.
func (c *Client) UploadTrainingDocument(ctx context.Context, filename string, data []byte) (UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return UploadResult{}, err
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}
	var out envelope
	if err := c.do(ctx, http.MethodPost, "/upload-pdf", mw.FormDataContentType(), &body, &out); err != nil {
		return UploadResult{}, err
	}
	if err := out.check("upload-pdf"); err != nil {
		return UploadResult{}, err
	}
	return UploadResult{Path: path.Join(uploadDir, filename), Message: out.Message}, nil
}

func (c *Client) ExtractParagraphs(ctx context.Context, text string) ([]string, error) {
	var out struct {
		envelope
		Paragraphs []string `json:"paragraphs"`
	}
	if err := c.postJSON(ctx, "/extract-paragraphs", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	if err := out.check("extract-paragraphs"); err != nil {
		return nil, err
	}
	return out.Paragraphs, nil
}

// TextSummary - запись из GET /texts; набор полей задаёт бэкенд, храним как есть.
type TextSummary map[string]any

func (c *Client) ListTexts(ctx context.Context) ([]TextSummary, error) {
	var out struct {
		envelope
		Texts []TextSummary `json:"texts"`
	}
	if err := c.getJSON(ctx, "/texts", &out); err != nil {
		return nil, err
	}
	if err := out.check("texts"); err != nil {
		return nil, err
	}
	return out.Texts, nil
}

// ID - идентификатор текста; бэкенд отдаёт его как "_id" (старые версии - "id").
func (t TextSummary) ID() string {
	for _, k := range []string{"_id", "id"} {
		if v, ok := t[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// StoredQCM - вопрос в том виде, в каком бэкенд хранит его вместе с текстом.
type StoredQCM struct {
	Question      string `json:"question"`
	CorrectAnswer string `json:"correct_answer"`
	WrongAnswer1  string `json:"wrong_answer1"`
	WrongAnswer2  string `json:"wrong_answer2"`
	WrongAnswer3  string `json:"wrong_answer3"`
}

// Record: правильный ответ первым, затем непустые неверные.
func (q StoredQCM) Record() qcm.QuestionRecord {
	rec := qcm.QuestionRecord{Question: q.Question, CorrectAnswer: q.CorrectAnswer, Choices: []string{q.CorrectAnswer}}
	for _, w := range []string{q.WrongAnswer1, q.WrongAnswer2, q.WrongAnswer3} {
		if strings.TrimSpace(w) != "" {
			rec.Choices = append(rec.Choices, w)
		}
	}
	return rec
}

type StoredText struct {
	ID         json.Number    `json:"_id"`
	Content    string         `json:"content"`
	Level      int            `json:"level"`
	Difficulty qcm.Difficulty `json:"difficulty"`
	QCMs       []StoredQCM    `json:"qcms"`
}

// GetText - GET /texts/{id}: сохранённый текст вместе с его вопросами.
func (c *Client) GetText(ctx context.Context, id string) (StoredText, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return StoredText{}, fmt.Errorf("text id is empty")
	}
	var out struct {
		envelope
		Text StoredText `json:"text"`
	}
	if err := c.getJSON(ctx, "/texts/"+url.PathEscape(id), &out); err != nil {
		return StoredText{}, err
	}
	if err := out.check("text"); err != nil {
		return StoredText{}, err
	}
	return out.Text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// отмену контекста отдаём как есть, чтобы вызывающий мог отличить её от сбоя сети
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrTransport, method, path, resp.StatusCode, strings.TrimSpace(string(x)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: bad JSON: %v", ErrTransport, method, path, err)
	}
	return nil
}
