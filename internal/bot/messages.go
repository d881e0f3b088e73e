package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/phonecheck/phonecheck/internal/job"
)

const (
	msgHelp = "👋 Welcome to Phone Number Checker Bot!\n\n" +
		"Commands:\n" +
		"/upload - Upload numbers.txt file\n" +
		"/status - Check current job status\n" +
		"/results - Download results\n" +
		"/cancel - Cancel current job\n" +
		"/help - Show this help"
	msgUpload       = "Please send me a `numbers.txt` file containing one phone number per line."
	msgNoNumbers    = "❌ No valid phone numbers found in the file."
	msgNoActiveJob  = "No active job found. Use /upload to start one."
	msgNoJob        = "No job found. Use /upload to start one."
	msgNotReady     = "Results not ready yet. Check /status."
	msgCancelled    = "✅ Job cancelled."
	msgNothingToCxl = "No active job to cancel."
	msgUnknown      = "Unknown command. Type /help for available commands."
	msgFailure      = "⚠️ Something went wrong. Please try again in a moment."
	msgDownload     = "⚠️ Could not download the file. Please send it again."
	msgBusy         = "⚠️ Too many jobs are waiting right now. Please try again later."
)

func msgTooLarge(limit int64) string {
	return fmt.Sprintf("❌ The file is too large. The limit is %d KB.", limit/1024)
}

func msgAccepted(j *job.Job) string {
	return fmt.Sprintf("✅ File accepted! Found %d valid numbers.\n"+
		"Job ID: `%s`\n"+
		"Processing will begin shortly. Use /status to check progress.", j.Total, j.ID)
}

func msgAlreadyFinished(j *job.Job) string {
	return fmt.Sprintf("Job already %s; nothing to cancel.", j.Status)
}

func msgResultsCaption(id string) string {
	return "Results for job " + id
}

func msgStatus(j *job.Job) string {
	var b strings.Builder
	b.WriteString("📊 *Job Status*\n")
	fmt.Fprintf(&b, "Job ID: `%s`\n", j.ID)
	fmt.Fprintf(&b, "Status: *%s*\n", j.Status)
	fmt.Fprintf(&b, "Progress: %d/%d (%s%%)\n", j.Processed, j.Total, strconv.FormatFloat(j.Percent(), 'f', -1, 64))
	fmt.Fprintf(&b, "✅ Valid (OTP sent): %d\n", j.Valid)
	fmt.Fprintf(&b, "❌ Invalid (not found): %d\n", j.Invalid)
	fmt.Fprintf(&b, "👥 Multi-account: %d\n", j.MultiAccount)
	fmt.Fprintf(&b, "⚠️ Errors (CAPTCHA/other): %d\n", j.Errors)
	if j.Error != "" {
		fmt.Fprintf(&b, "Reason: %s\n", escapeMarkdown(j.Error))
	}
	fmt.Fprintf(&b, "Last update: %s", j.UpdatedAt.UTC().Format(time.DateTime+" UTC"))
	return b.String()
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
