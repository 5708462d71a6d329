package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/nugget/vigil/internal/config"
)

// EmailNotifier sends alerts as multipart/alternative mail: the
// response text as plain text plus goldmark-rendered HTML.
type EmailNotifier struct {
	cfg  config.EmailNotifyConfig
	loc  *time.Location
	send func(ctx context.Context, cfg config.EmailNotifyConfig, from string, rcpts []string, msg []byte) error
}

// NewEmailNotifier creates an email channel.
func NewEmailNotifier(cfg config.EmailNotifyConfig, loc *time.Location) *EmailNotifier {
	if loc == nil {
		loc = time.Local
	}
	return &EmailNotifier{cfg: cfg, loc: loc, send: sendMail}
}

// Notify implements [Notifier].
func (e *EmailNotifier) Notify(ctx context.Context, a Alert) error {
	msg, err := composeAlert(e.cfg, a, e.loc)
	if err != nil {
		return err
	}

	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return fmt.Errorf("parse from address %q: %w", e.cfg.From, err)
	}
	rcpts := make([]string, 0, len(e.cfg.To))
	for _, to := range e.cfg.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return fmt.Errorf("parse recipient %q: %w", to, err)
		}
		rcpts = append(rcpts, addr.Address)
	}

	return e.send(ctx, e.cfg, from.Address, rcpts, msg)
}

// Subject returns the mail subject for an alert: a fixed prefix plus
// the first line of the response, shortened.
func Subject(a Alert) string {
	first, _, _ := strings.Cut(strings.TrimSpace(a.Text), "\n")
	first = strings.TrimLeft(first, "#* ")
	if r := []rune(first); len(r) > 80 {
		first = string(r[:77]) + "..."
	}
	if first == "" {
		return "[Vigil] ALARM"
	}
	return "[Vigil] ALARM: " + first
}

func composeAlert(cfg config.EmailNotifyConfig, a Alert, loc *time.Location) ([]byte, error) {
	var h mail.Header
	h.SetDate(a.Time)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(Subject(a))
	h.Set("X-Vigil-Run", a.RunID)

	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", cfg.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to := make([]*mail.Address, 0, len(cfg.To))
	for _, s := range cfg.To {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", s, err)
		}
		to = append(to, addr)
	}
	h.SetAddressList("To", to)

	body := fmt.Sprintf("**Analyse vom %s**\n\n%s\n", a.Time.In(loc).Format("02.01.2006, 15:04:05"), a.Text)

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(body), &html); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(tw, "text/plain; charset=utf-8", strings.ReplaceAll(body, "**", "")); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html; charset=utf-8", htmlDocument(html.String())); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, content string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func htmlDocument(fragment string) string {
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
` + fragment + `
</body></html>`
}
