package tasks

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/config"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/webhooks"
)

// DefaultBulkRate is the bulk send pace applied when a request does not
// set one, in emails per minute.
const DefaultBulkRate = 10

// EmailMessage is one outbound email. HTMLBody, when present, is sanitized
// before it goes on the wire.
type EmailMessage struct {
	ToEmail  string `json:"to_email"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	HTMLBody string `json:"html_body,omitempty"`
}

// EmailArgs drive a single-send job.
type EmailArgs struct {
	EmailMessage
	UserID *int64 `json:"user_id,omitempty"`
}

// BulkEmailArgs drive a rate-limited bulk send.
type BulkEmailArgs struct {
	Emails    []EmailMessage `json:"emails"`
	RateLimit int            `json:"rate_limit,omitempty"` // emails per minute
	UserID    *int64         `json:"user_id,omitempty"`
}

// EmailResult reports one send attempt. Status is "sent", or "skipped" when
// SMTP is not configured (dev mode keeps email jobs green).
type EmailResult struct {
	ToEmail string `json:"to_email"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	SentAt  string `json:"sent_at,omitempty"`
}

// BulkEmailResult aggregates a bulk run.
type BulkEmailResult struct {
	Total  int         `json:"total"`
	Sent   int         `json:"sent"`
	Failed int         `json:"failed"`
	Errors []BulkError `json:"errors"`
}

// BulkError records one failed recipient.
type BulkError struct {
	ToEmail string `json:"to_email"`
	Error   string `json:"error"`
}

// Mailer owns the email job family. The HTML part of every message passes
// through a UGC sanitizer, so stored user content cannot smuggle scripts to
// mail clients.
type Mailer struct {
	cfg      config.SMTPSettings
	policy   *bluemonday.Policy
	notify   Notifier
	progress ProgressSetter
	events   queue.EventSink
	log      zerolog.Logger

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewMailer builds the mailer. notify, progress and events may be nil.
func NewMailer(cfg config.SMTPSettings, notify Notifier, progress ProgressSetter, events queue.EventSink, log zerolog.Logger) *Mailer {
	return &Mailer{
		cfg:      cfg,
		policy:   bluemonday.UGCPolicy(),
		notify:   notify,
		progress: progress,
		events:   events,
		log:      log.With().Str("subsystem", "tasks").Logger(),
		send:     smtp.SendMail,
		now:      time.Now,
	}
}

// Register binds the email job family onto a worker.
func (m *Mailer) Register(w *queue.Worker) {
	w.Register(FunctionSendSingleEmail, m.SendSingleEmail)
	w.Register(FunctionSendBulkEmails, m.SendBulkEmails)
}

// SendSingleEmail is the single-send job.
func (m *Mailer) SendSingleEmail(ctx context.Context, job *queue.Job) (any, error) {
	var args EmailArgs
	if err := job.DecodeArgs(&args); err != nil {
		return nil, err
	}

	m.setProgress(ctx, job.ID, 10)
	tick := func(pct int) { m.setProgress(ctx, job.ID, pct) }
	res, err := m.sendOne(ctx, job.ID, args.EmailMessage, args.UserID, tick)
	if err != nil {
		m.trigger(ctx, webhooks.EventEmailFailed, map[string]any{
			"task_id":  job.ID,
			"to_email": args.ToEmail,
			"error":    err.Error(),
		})
		return nil, err
	}

	m.trigger(ctx, webhooks.EventEmailSent, map[string]any{
		"task_id":  job.ID,
		"to_email": res.ToEmail,
		"status":   res.Status,
	})
	return res, nil
}

// SendBulkEmails sends sequentially with an inter-send delay of
// 60/rate_limit seconds. Individual failures are collected, not fatal; the
// job itself only fails on cancellation.
func (m *Mailer) SendBulkEmails(ctx context.Context, job *queue.Job) (any, error) {
	var args BulkEmailArgs
	if err := job.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rate := args.RateLimit
	if rate <= 0 {
		rate = DefaultBulkRate
	}
	delay := time.Duration(float64(time.Minute) / float64(rate))
	total := len(args.Emails)

	m.setProgress(ctx, job.ID, 0)
	m.log.Info().
		Int("total_emails", total).
		Int("rate_limit", rate).
		Str("job_id", job.ID).
		Msg("bulk email started")

	result := &BulkEmailResult{Total: total, Errors: []BulkError{}}
	for idx, em := range args.Emails {
		if _, err := m.sendOne(ctx, job.ID, em, args.UserID, nil); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BulkError{ToEmail: em.ToEmail, Error: err.Error()})
		} else {
			result.Sent++
		}

		progress := (idx + 1) * 100 / total
		m.setProgress(ctx, job.ID, progress)

		if (idx+1)%10 == 0 {
			m.notifyUser(ctx, args.UserID, job.ID, "bulk_email_progress", map[string]any{
				"sent":     result.Sent,
				"failed":   result.Failed,
				"total":    total,
				"progress": progress,
			})
			m.log.Info().
				Int("sent", result.Sent).
				Int("failed", result.Failed).
				Int("progress", progress).
				Msg("bulk email progress")
		}

		if idx < total-1 {
			if err := pause(ctx, delay); err != nil {
				return nil, fmt.Errorf("bulk email interrupted after %d of %d: %w", idx+1, total, err)
			}
		}
	}

	m.notifyUser(ctx, args.UserID, job.ID, "bulk_email_completed", result)
	m.trigger(ctx, webhooks.EventBulkEmailCompleted, map[string]any{
		"task_id": job.ID,
		"total":   result.Total,
		"sent":    result.Sent,
		"failed":  result.Failed,
	})
	m.log.Info().
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("total", total).
		Msg("bulk email completed")
	return result, nil
}

// sendOne builds and sends one message, publishing the per-recipient
// notification either way.
func (m *Mailer) sendOne(ctx context.Context, jobID string, em EmailMessage, userID *int64, tick func(int)) (*EmailResult, error) {
	msg, err := m.buildMessage(em)
	if err != nil {
		m.notifyUser(ctx, userID, jobID, "email_failed", map[string]any{
			"to_email": em.ToEmail,
			"error":    err.Error(),
		})
		return nil, err
	}
	if tick != nil {
		tick(30)
	}

	var res *EmailResult
	if !m.cfg.Configured() {
		m.log.Warn().Str("to_email", em.ToEmail).Msg("smtp not configured, email skipped")
		res = &EmailResult{
			ToEmail: em.ToEmail,
			Subject: em.Subject,
			Status:  "skipped",
			Message: "SMTP not configured",
		}
	} else {
		if tick != nil {
			tick(60)
		}
		var auth smtp.Auth
		if m.cfg.Password != "" {
			auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
		}
		addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
		if err := m.send(addr, auth, m.cfg.FromEmail, []string{em.ToEmail}, msg); err != nil {
			err = fmt.Errorf("send email to %s: %w", em.ToEmail, err)
			m.notifyUser(ctx, userID, jobID, "email_failed", map[string]any{
				"to_email": em.ToEmail,
				"error":    err.Error(),
			})
			m.log.Error().Err(err).Str("to_email", em.ToEmail).Msg("email send failed")
			return nil, err
		}
		res = &EmailResult{
			ToEmail: em.ToEmail,
			Subject: em.Subject,
			Status:  "sent",
			SentAt:  m.now().UTC().Format(time.RFC3339),
		}
	}
	if tick != nil {
		tick(100)
	}

	m.notifyUser(ctx, userID, jobID, "email_sent", res)
	m.log.Info().Str("to_email", em.ToEmail).Str("status", res.Status).Msg("email handled")
	return res, nil
}

// buildMessage renders the RFC 5322 message: plain text alone, or
// multipart/alternative when an HTML body is present.
func (m *Mailer) buildMessage(em EmailMessage) ([]byte, error) {
	to := headerValue(em.ToEmail)
	if to == "" {
		return nil, fmt.Errorf("empty recipient address")
	}

	var buf bytes.Buffer
	from := m.cfg.FromEmail
	if m.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", headerValue(m.cfg.FromName), m.cfg.FromEmail)
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", headerValue(em.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if em.HTMLBody == "" {
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(em.Body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=\"utf-8\""},
	})
	if err != nil {
		return nil, fmt.Errorf("build text part: %w", err)
	}
	if _, err := part.Write([]byte(em.Body)); err != nil {
		return nil, fmt.Errorf("build text part: %w", err)
	}

	part, err = mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=\"utf-8\""},
	})
	if err != nil {
		return nil, fmt.Errorf("build html part: %w", err)
	}
	if _, err := part.Write([]byte(m.policy.Sanitize(em.HTMLBody))); err != nil {
		return nil, fmt.Errorf("build html part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *Mailer) setProgress(ctx context.Context, jobID string, pct int) {
	if m.progress == nil {
		return
	}
	update := progressUpdate{
		Status:    "processing",
		Progress:  pct,
		UpdatedAt: m.now().UTC().Format(time.RFC3339),
	}
	if err := m.progress.SetProgress(ctx, jobID, update); err != nil {
		m.log.Warn().Err(err).Str("job_id", jobID).Msg("progress update failed")
	}
}

// notifyUser surfaces email updates on the tasks channel, scoped to the
// triggering user's notification subject. Jobs without a user id stay
// silent.
func (m *Mailer) notifyUser(ctx context.Context, userID *int64, jobID, event string, data any) {
	if m.notify == nil || userID == nil {
		return
	}
	m.notify.TaskNotification(ctx, "tasks", strconv.FormatInt(*userID, 10), jobID, event, data)
}

func (m *Mailer) trigger(ctx context.Context, event string, data any) {
	if m.events == nil {
		return
	}
	m.events.Trigger(ctx, event, data)
}

// headerValue strips CR and LF so user input cannot inject extra headers.
func headerValue(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// pause waits d or until ctx is cancelled.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
