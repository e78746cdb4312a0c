package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

const startMessage = `👋 *Welcome to Table Analyst!*

Send me a photo of a table and I will:
• 📸 Extract the data from the image
• 📊 Run a statistical analysis
• 📝 Build an Excel report
• 💡 Point out what stands out

Use /help for more information.`

const textHint = "👋 I work with images! Please send me a photo of data to analyze.\n\nUse /help for more info."

func helpMessage(maxFileSize int64) string {
	var b strings.Builder
	b.WriteString("📖 *How to use this bot*\n\n")
	b.WriteString("1. Take a clear photo of a table (spreadsheet, receipt, printed report)\n")
	b.WriteString("2. Send it as a photo or as an image file\n")
	b.WriteString("3. Wait for the Excel report and insights\n\n")
	b.WriteString("*Tips*\n")
	b.WriteString("• Keep the table straight and well lit\n")
	b.WriteString("• Make sure the first row holds the column names\n")
	if maxFileSize > 0 {
		fmt.Fprintf(&b, "• Images up to %s are accepted\n", formatBytes(maxFileSize))
	}
	b.WriteString("\n*Commands*\n")
	b.WriteString("/start - Welcome message\n")
	b.WriteString("/help - This help\n")
	b.WriteString("/status - Bot status\n")
	b.WriteString("/similar - Find earlier tables like your last one")
	return b.String()
}

func statusMessage(uptime time.Duration, processed int64, similarEnabled bool) string {
	similar := "disabled"
	if similarEnabled {
		similar = "enabled"
	}
	return fmt.Sprintf("✅ *Bot is running*\n\n• Uptime: %s\n• Tables analysed: %d\n• Similar-table search: %s",
		uptime.Truncate(time.Second), processed, similar)
}

func fileTooLargeMessage(limit int64) string {
	return fmt.Sprintf("❌ File is too large. Maximum size is %s.", formatBytes(limit))
}

// formatSummary is the caption of the report document
func formatSummary(res *processor.ProcessResult) string {
	rows, cols := 0, 0
	if res.Table != nil {
		rows, cols = res.Table.NumRows(), res.Table.NumCols()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Analysis Complete!\n\n📊 Data Summary:\n• Rows: %d\n• Columns: %d", rows, cols)
	if res.AssemblyKind == processor.AssemblyFallback {
		b.WriteString("\n• ⚠️ No table structure found, text kept as a single column")
	}
	return b.String()
}

var severityIcons = map[analysis.Severity]string{
	analysis.SeverityWarning:  "⚠️",
	analysis.SeverityPositive: "✅",
	analysis.SeverityInfo:     "•",
}

func formatInsights(insights []analysis.Insight) string {
	if len(insights) == 0 {
		return "💡 Insights:\n• No notable patterns found."
	}

	var b strings.Builder
	b.WriteString("💡 Insights:")
	for _, in := range insights {
		icon, ok := severityIcons[in.Severity]
		if !ok {
			icon = "•"
		}
		fmt.Fprintf(&b, "\n%s %s", icon, in.Text)
	}
	return b.String()
}

// formatError turns a pipeline error into a user-facing reply
func formatError(err error, maxFileSize int64) string {
	switch errors.CodeOf(err) {
	case errors.ErrorNoData:
		return "❌ Could not extract data from image. Make sure it contains a readable table."
	case errors.ErrorUnsupportedFormat:
		return "❌ Unsupported file format. Please send a JPG, PNG, GIF, BMP, TIFF or WebP image."
	case errors.ErrorFileTooLarge:
		return fileTooLargeMessage(maxFileSize)
	case errors.ErrorProcessingTimeout:
		return "⏱ Analysis took too long. Try a smaller or clearer image."
	case errors.ErrorOCRFailed:
		return "❌ Text recognition failed. Please try again with a sharper photo."
	case errors.ErrorRenderFailed:
		return "❌ Could not build the Excel report. Please try again."
	}
	return "❌ Something went wrong while analysing your table. Please try again."
}

func formatSimilar(similar []storage.SimilarTable) string {
	if len(similar) == 0 {
		return "🔍 No similar tables found yet."
	}

	var b strings.Builder
	b.WriteString("🔍 Similar tables:")
	for i, s := range similar {
		fmt.Fprintf(&b, "\n%d. %s (%.0f%% match)", i+1, strings.Join(s.Headers, ", "), s.Score*100)
	}
	return b.String()
}

func formatBytes(n int64) string {
	const mb = 1024 * 1024
	if n >= mb && n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	if n >= mb {
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	}
	if n >= 1024 {
		return fmt.Sprintf("%dKB", n/1024)
	}
	return fmt.Sprintf("%dB", n)
}
