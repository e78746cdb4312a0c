package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

// botAPI is the part of *tgbotapi.BotAPI the bot uses
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// SimilarFinder looks up earlier tables with a similar schema
type SimilarFinder interface {
	FindSimilar(ctx context.Context, headers []string, types []dataset.ColumnType, limit int, excludeJobID string) ([]storage.SimilarTable, error)
}

// Config holds Telegram bot configuration
type Config struct {
	Token              string
	IsAllowed          func(userID int64) bool // nil allows everyone
	MaxFileSize        int64
	RateLimitPerMinute int    // 0 disables the limit
	UploadsDir         string // keeps received images when set
}

// lastTable remembers a chat's most recent table for /similar
type lastTable struct {
	jobID   string
	headers []string
	types   []dataset.ColumnType
}

// Bot answers table photos with an Excel report and insights
type Bot struct {
	api       botAPI
	processor processor.TableProcessor
	finder    SimilarFinder
	logger    *logging.Logger
	cfg       Config
	http      *http.Client
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   time.Time
	processed atomic.Int64

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	last     map[int64]lastTable
}

// NewBot authorizes against the Bot API
func NewBot(cfg Config, proc processor.TableProcessor, finder SimilarFinder, logger *logging.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = false

	b := newBot(api, cfg, proc, finder, logger)
	b.logger.Info("Authorized on account", "username", api.Self.UserName)
	return b, nil
}

func newBot(api botAPI, cfg Config, proc processor.TableProcessor, finder SimilarFinder, logger *logging.Logger) *Bot {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		api:       api,
		processor: proc,
		finder:    finder,
		logger:    logger.Named("telegram"),
		cfg:       cfg,
		http:      &http.Client{Timeout: 60 * time.Second},
		ctx:       ctx,
		cancel:    cancel,
		started:   time.Now(),
		limiters:  make(map[int64]*rate.Limiter),
		last:      make(map[int64]lastTable),
	}
}

// Start begins long polling
func (b *Bot) Start() error {
	b.wg.Add(1)
	go b.run()
	return nil
}

// Stop stops polling and waits for running analyses
func (b *Bot) Stop() {
	b.api.StopReceivingUpdates()
	b.cancel()
	b.wg.Wait()
}

func (b *Bot) run() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				if err := b.handleUpdate(update); err != nil {
					b.logger.Error("Failed to handle update", "update_id", update.UpdateID, "error", err)
				}
			}()
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil
	}
	chatID := msg.Chat.ID

	if b.cfg.IsAllowed != nil && !b.cfg.IsAllowed(msg.From.ID) {
		b.logger.Warn("Rejected unauthorized user", "user_id", msg.From.ID)
		_, err := b.sendMessage(chatID, "❌ Unauthorized access")
		return err
	}

	switch {
	case msg.IsCommand():
		return b.handleCommand(msg)
	case len(msg.Photo) > 0:
		// Largest size is last
		photo := msg.Photo[len(msg.Photo)-1]
		return b.analyze(msg, photo.FileID, int64(photo.FileSize), photo.FileUniqueID+".jpg", "image/jpeg")
	case msg.Document != nil:
		return b.handleDocument(msg)
	case msg.Text != "":
		_, err := b.sendMessage(chatID, textHint)
		return err
	}
	return nil
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID

	var text string
	switch msg.Command() {
	case "start":
		text = startMessage
	case "help":
		text = helpMessage(b.cfg.MaxFileSize)
	case "status":
		text = statusMessage(time.Since(b.started), b.processed.Load(), b.finder != nil)
	case "similar":
		return b.handleSimilar(chatID)
	default:
		text = "❓ Unknown command. Use /help for available commands."
	}
	_, err := b.sendMessage(chatID, text)
	return err
}

func (b *Bot) handleDocument(msg *tgbotapi.Message) error {
	doc := msg.Document
	if !isImageDocument(doc.MimeType, doc.FileName) {
		_, err := b.sendMessage(msg.Chat.ID, "❌ Only images are supported (JPG, PNG, GIF, BMP, TIFF, WebP). Send a photo of your table.")
		return err
	}
	return b.analyze(msg, doc.FileID, int64(doc.FileSize), doc.FileName, doc.MimeType)
}

func (b *Bot) handleSimilar(chatID int64) error {
	if b.finder == nil {
		_, err := b.sendMessage(chatID, "🔍 Similar-table search is not enabled on this bot.")
		return err
	}

	b.mu.Lock()
	last, ok := b.last[chatID]
	b.mu.Unlock()
	if !ok {
		_, err := b.sendMessage(chatID, "🔍 Send me a table first, then use /similar to find earlier tables like it.")
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()

	similar, err := b.finder.FindSimilar(ctx, last.headers, last.types, 5, last.jobID)
	if err != nil {
		b.logger.Error("Similar-table search failed", "chat_id", chatID, "error", err)
		_, sendErr := b.sendMessage(chatID, "❌ Similar-table search failed. Try again later.")
		return sendErr
	}
	_, err = b.sendMessage(chatID, formatSimilar(similar))
	return err
}

// analyze downloads an image, runs the pipeline and replies with the report
func (b *Bot) analyze(msg *tgbotapi.Message, fileID string, size int64, filename, mimeType string) error {
	chatID := msg.Chat.ID

	if b.cfg.MaxFileSize > 0 && size > b.cfg.MaxFileSize {
		_, err := b.sendMessage(chatID, fileTooLargeMessage(b.cfg.MaxFileSize))
		return err
	}
	if !b.allow(chatID) {
		_, err := b.sendMessage(chatID, "⏳ You're sending tables faster than I can analyse them. Please wait a minute and try again.")
		return err
	}

	progressID, _ := b.sendMessage(chatID, "🔄 Processing image... This may take a moment.")

	image, err := b.download(fileID)
	if err != nil {
		b.logger.Error("Failed to download file", "chat_id", chatID, "file_id", fileID, "error", err)
		b.finishProgress(chatID, progressID, fmt.Sprintf("❌ Failed to download image: %v", err))
		return nil
	}
	b.keepUpload(fileID, filename, image)

	b.editProgress(chatID, progressID, "📸 Extracting and analysing data...")

	res, err := b.processor.ProcessImage(b.ctx, &processor.ProcessRequest{
		Source:   "telegram",
		ChatID:   chatID,
		Filename: filename,
		MimeType: mimeType,
		Image:    image,
	})
	if err != nil {
		b.finishProgress(chatID, progressID, formatError(err, b.cfg.MaxFileSize))
		return nil
	}

	b.editProgress(chatID, progressID, "📤 Sending report...")
	if err := b.deliver(chatID, res); err != nil {
		return err
	}
	b.deleteMessage(chatID, progressID)
	return nil
}

// deliver sends the report document and the insight message
func (b *Bot) deliver(chatID int64, res *processor.ProcessResult) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: res.ReportName, Bytes: res.Report})
	doc.Caption = formatSummary(res)
	if _, err := b.api.Send(doc); err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}

	if _, err := b.sendMessage(chatID, formatInsights(res.Insights)); err != nil {
		return fmt.Errorf("failed to send insights: %w", err)
	}

	b.mu.Lock()
	b.last[chatID] = lastTable{jobID: res.JobID, headers: res.Table.Headers, types: res.Table.Types}
	b.mu.Unlock()
	b.processed.Add(1)

	b.logger.Info("Report delivered", "chat_id", chatID, "job_id", res.JobID, "insights", len(res.Insights))
	return nil
}

// NotifyResult delivers a queued job's outcome to the chat that submitted it
func (b *Bot) NotifyResult(ctx context.Context, chatID int64, res *processor.ProcessResult, err error) {
	if err != nil {
		if _, sendErr := b.sendMessage(chatID, formatError(err, b.cfg.MaxFileSize)); sendErr != nil {
			b.logger.Warn("Failed to notify failure", "chat_id", chatID, "error", sendErr)
		}
		return
	}
	if derr := b.deliver(chatID, res); derr != nil {
		b.logger.Warn("Failed to deliver queued result", "chat_id", chatID, "job_id", res.JobID, "error", derr)
	}
}

// allow applies the per-chat analysis rate limit
func (b *Bot) allow(chatID int64) bool {
	if b.cfg.RateLimitPerMinute <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.cfg.RateLimitPerMinute)), b.cfg.RateLimitPerMinute)
		b.limiters[chatID] = lim
	}
	return lim.Allow()
}

// download fetches a file from Telegram into memory
func (b *Bot) download(fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	req, err := http.NewRequestWithContext(b.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if b.cfg.MaxFileSize > 0 {
		// One extra byte lets the pipeline see the file is over the limit.
		body = io.LimitReader(resp.Body, b.cfg.MaxFileSize+1)
	}
	return io.ReadAll(body)
}

func (b *Bot) keepUpload(fileID, filename string, data []byte) {
	if b.cfg.UploadsDir == "" {
		return
	}
	if err := os.MkdirAll(b.cfg.UploadsDir, 0o755); err != nil {
		b.logger.Warn("Failed to create uploads directory", "dir", b.cfg.UploadsDir, "error", err)
		return
	}
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".jpg"
	}
	path := filepath.Join(b.cfg.UploadsDir, fileID+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		b.logger.Warn("Failed to keep upload", "path", path, "error", err)
	}
}

func (b *Bot) sendMessage(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	sent, err := b.api.Send(msg)
	if err != nil {
		// Column names often contain Markdown characters
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
		if err != nil {
			return 0, err
		}
	}
	return sent.MessageID, nil
}

func (b *Bot) editProgress(chatID int64, messageID int, text string) {
	if messageID == 0 {
		return
	}
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.logger.Debug("Failed to edit progress message", "chat_id", chatID, "error", err)
	}
}

// finishProgress replaces the progress message with a final text, or sends
// the text on its own when there is no progress message.
func (b *Bot) finishProgress(chatID int64, messageID int, text string) {
	if messageID != 0 {
		if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err == nil {
			return
		}
	}
	if _, err := b.sendMessage(chatID, text); err != nil {
		b.logger.Warn("Failed to send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("Failed to delete progress message", "chat_id", chatID, "error", err)
	}
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

func isImageDocument(mimeType, filename string) bool {
	if strings.HasPrefix(mimeType, "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(filepath.Ext(filename))]
}
