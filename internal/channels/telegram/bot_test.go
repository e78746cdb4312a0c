package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

type fakeAPI struct {
	mu            sync.Mutex
	sent          []tgbotapi.Chattable
	requests      []tgbotapi.Chattable
	fileURL       string
	failMarkdown  bool
	updates       chan tgbotapi.Update
	nextMessageID int
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok && f.failMarkdown && m.ParseMode != "" {
		return tgbotapi.Message{}, fmt.Errorf("can't parse entities")
	}
	f.sent = append(f.sent, c)
	f.nextMessageID++
	return tgbotapi.Message{MessageID: f.nextMessageID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	if f.fileURL == "" {
		return "", fmt.Errorf("file %s not found", fileID)
	}
	return f.fileURL, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) documents() []tgbotapi.DocumentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.DocumentConfig
	for _, c := range f.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			out = append(out, d)
		}
	}
	return out
}

type fakeProcessor struct {
	mu   sync.Mutex
	reqs []*processor.ProcessRequest
	err  error
}

func (p *fakeProcessor) ProcessImage(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return sampleResult("job-1"), nil
}

func (p *fakeProcessor) ProcessDetections(ctx context.Context, req *processor.DetectionRequest) (*processor.ProcessResult, error) {
	return nil, fmt.Errorf("not used")
}

type fakeFinder struct {
	exclude string
	result  []storage.SimilarTable
}

func (f *fakeFinder) FindSimilar(ctx context.Context, headers []string, types []dataset.ColumnType, limit int, excludeJobID string) ([]storage.SimilarTable, error) {
	f.exclude = excludeJobID
	return f.result, nil
}

func sampleResult(jobID string) *processor.ProcessResult {
	return &processor.ProcessResult{
		JobID:        jobID,
		AssemblyKind: processor.AssemblyStructured,
		Table:        dataset.New([]string{"Month", "Revenue"}, [][]string{{"Jan", "100"}, {"Feb", "120"}}),
		Insights: []analysis.Insight{
			{Text: "Revenue is increasing", Severity: analysis.SeverityPositive},
		},
		Report:     []byte("PK"),
		ReportName: "analysis.xlsx",
	}
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func command(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func photo(userID int64) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "s", FileSize: 10},
			{FileID: "large", FileUniqueID: "l", FileSize: 100},
		},
	}}
}

func TestStartCommand(t *testing.T) {
	api := &fakeAPI{}
	b := newBot(api, Config{}, &fakeProcessor{}, nil, nil)

	require.NoError(t, b.handleUpdate(command(1, "/start")))
	texts := api.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Welcome")
}

func TestHelpMentionsLimit(t *testing.T) {
	api := &fakeAPI{}
	b := newBot(api, Config{MaxFileSize: 10 * 1024 * 1024}, &fakeProcessor{}, nil, nil)

	require.NoError(t, b.handleUpdate(command(1, "/help")))
	assert.Contains(t, api.texts()[0], "10MB")
}

func TestUnauthorizedUser(t *testing.T) {
	api := &fakeAPI{}
	proc := &fakeProcessor{}
	b := newBot(api, Config{IsAllowed: func(id int64) bool { return id == 7 }}, proc, nil, nil)

	require.NoError(t, b.handleUpdate(photo(8)))
	assert.Equal(t, []string{"❌ Unauthorized access"}, api.texts())
	assert.Empty(t, proc.reqs)
}

func TestTextGetsHint(t *testing.T) {
	api := &fakeAPI{}
	b := newBot(api, Config{}, &fakeProcessor{}, nil, nil)

	update := tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1},
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "hello",
	}}
	require.NoError(t, b.handleUpdate(update))
	assert.Equal(t, []string{textHint}, api.texts())
}

func TestPhotoAnalysis(t *testing.T) {
	srv := imageServer(t, []byte{0x89, 'P', 'N', 'G'})
	api := &fakeAPI{fileURL: srv.URL}
	proc := &fakeProcessor{}
	b := newBot(api, Config{}, proc, nil, nil)

	require.NoError(t, b.handleUpdate(photo(5)))

	require.Len(t, proc.reqs, 1)
	req := proc.reqs[0]
	assert.Equal(t, "telegram", req.Source)
	assert.Equal(t, int64(5), req.ChatID)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, req.Image)
	assert.Equal(t, "l.jpg", req.Filename)

	docs := api.documents()
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Caption, "Rows: 2")
	assert.Contains(t, docs[0].Caption, "Columns: 2")

	texts := api.texts()
	assert.Contains(t, texts, "🔄 Processing image... This may take a moment.")
	assert.Contains(t, texts[len(texts)-1], "Revenue is increasing")

	require.Len(t, api.requests, 1)
	_, isDelete := api.requests[0].(tgbotapi.DeleteMessageConfig)
	assert.True(t, isDelete)
	assert.Equal(t, int64(1), b.processed.Load())
}

func TestPhotoTooLarge(t *testing.T) {
	api := &fakeAPI{}
	proc := &fakeProcessor{}
	b := newBot(api, Config{MaxFileSize: 50}, proc, nil, nil)

	require.NoError(t, b.handleUpdate(photo(5)))
	assert.Empty(t, proc.reqs)
	assert.Equal(t, []string{"❌ File is too large. Maximum size is 50B."}, api.texts())
}

func TestPipelineErrorIsReported(t *testing.T) {
	srv := imageServer(t, []byte{1})
	api := &fakeAPI{fileURL: srv.URL}
	b := newBot(api, Config{}, &fakeProcessor{err: errors.NewNoDataError("j")}, nil, nil)

	require.NoError(t, b.handleUpdate(photo(5)))
	texts := api.texts()
	assert.Equal(t, "❌ Could not extract data from image. Make sure it contains a readable table.", texts[len(texts)-1])
	assert.Empty(t, api.documents())
}

func TestNonImageDocumentRejected(t *testing.T) {
	api := &fakeAPI{}
	proc := &fakeProcessor{}
	b := newBot(api, Config{}, proc, nil, nil)

	update := tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: 1},
		Chat:     &tgbotapi.Chat{ID: 1},
		Document: &tgbotapi.Document{FileID: "d", FileName: "report.pdf", MimeType: "application/pdf"},
	}}
	require.NoError(t, b.handleUpdate(update))
	assert.Empty(t, proc.reqs)
	assert.Contains(t, api.texts()[0], "Only images are supported")
}

func TestRateLimit(t *testing.T) {
	srv := imageServer(t, []byte{1})
	api := &fakeAPI{fileURL: srv.URL}
	proc := &fakeProcessor{}
	b := newBot(api, Config{RateLimitPerMinute: 1}, proc, nil, nil)

	require.NoError(t, b.handleUpdate(photo(5)))
	require.NoError(t, b.handleUpdate(photo(5)))
	assert.Len(t, proc.reqs, 1)

	texts := api.texts()
	assert.Contains(t, texts[len(texts)-1], "faster than I can analyse")

	// Other chats have their own budget
	require.NoError(t, b.handleUpdate(photo(6)))
	assert.Len(t, proc.reqs, 2)
}

func TestSimilarUsesLastTable(t *testing.T) {
	srv := imageServer(t, []byte{1})
	api := &fakeAPI{fileURL: srv.URL}
	finder := &fakeFinder{result: []storage.SimilarTable{
		{JobID: "old", Headers: []string{"Month", "Sales"}, Score: 0.92},
	}}
	b := newBot(api, Config{}, &fakeProcessor{}, finder, nil)

	require.NoError(t, b.handleUpdate(command(5, "/similar")))
	assert.Contains(t, api.texts()[0], "Send me a table first")

	require.NoError(t, b.handleUpdate(photo(5)))
	require.NoError(t, b.handleUpdate(command(5, "/similar")))

	texts := api.texts()
	assert.Equal(t, "🔍 Similar tables:\n1. Month, Sales (92% match)", texts[len(texts)-1])
	assert.Equal(t, "job-1", finder.exclude)
}

func TestSimilarDisabled(t *testing.T) {
	api := &fakeAPI{}
	b := newBot(api, Config{}, &fakeProcessor{}, nil, nil)

	require.NoError(t, b.handleUpdate(command(5, "/similar")))
	assert.Contains(t, api.texts()[0], "not enabled")
}

func TestMarkdownFallback(t *testing.T) {
	api := &fakeAPI{failMarkdown: true}
	b := newBot(api, Config{}, &fakeProcessor{}, nil, nil)

	id, err := b.sendMessage(1, "Revenue_2024 *")
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Equal(t, []string{"Revenue_2024 *"}, api.texts())
}

func TestNotifyResult(t *testing.T) {
	api := &fakeAPI{}
	b := newBot(api, Config{}, &fakeProcessor{}, nil, nil)

	b.NotifyResult(context.Background(), 9, sampleResult("queued"), nil)
	assert.Len(t, api.documents(), 1)

	b.NotifyResult(context.Background(), 9, nil, errors.NewProcessingTimeoutError("q", time.Second, context.DeadlineExceeded))
	texts := api.texts()
	assert.True(t, strings.HasPrefix(texts[len(texts)-1], "⏱"))
}

func TestKeepUpload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	b := newBot(&fakeAPI{}, Config{UploadsDir: dir}, &fakeProcessor{}, nil, nil)

	b.keepUpload("abc", "table.png", []byte{1, 2})
	data, err := os.ReadFile(filepath.Join(dir, "abc.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)
}

func TestRunLoopHandlesUpdates(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 1)}
	b := newBot(api, Config{}, &fakeProcessor{}, nil, nil)
	require.NoError(t, b.Start())

	api.updates <- command(1, "/status")
	assert.Eventually(t, func() bool { return len(api.texts()) == 1 }, time.Second, 10*time.Millisecond)

	b.Stop()
	assert.Contains(t, api.texts()[0], "Bot is running")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "💡 Insights:\n• No notable patterns found.", formatInsights(nil))
	assert.Equal(t, "💡 Insights:\n⚠️ a\n✅ b", formatInsights([]analysis.Insight{
		{Text: "a", Severity: analysis.SeverityWarning},
		{Text: "b", Severity: analysis.SeverityPositive},
	}))

	assert.Equal(t, "🔍 No similar tables found yet.", formatSimilar(nil))

	assert.Contains(t, formatError(errors.NewUnsupportedFormatError("j", "application/pdf"), 0), "Unsupported file format")
	assert.Contains(t, formatError(fmt.Errorf("boom"), 0), "Something went wrong")

	fallback := sampleResult("j")
	fallback.AssemblyKind = processor.AssemblyFallback
	assert.Contains(t, formatSummary(fallback), "single column")

	assert.Equal(t, "20MB", formatBytes(20*1024*1024))
	assert.Equal(t, "1.5MB", formatBytes(3*512*1024))
	assert.Equal(t, "2KB", formatBytes(2048))

	assert.True(t, isImageDocument("", "scan.TIFF"))
	assert.True(t, isImageDocument("image/webp", "x"))
	assert.False(t, isImageDocument("text/csv", "data.csv"))
}
