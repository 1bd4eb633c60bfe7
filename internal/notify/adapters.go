package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// ── Email ────────────────────────────────────────────────────

type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendMailFunc совпадает с smtp.SendMail, подменяется в тестах
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailAdapter struct {
	cfg  SMTPSettings
	send sendMailFunc
}

func NewEmailAdapter(cfg SMTPSettings) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, send: smtp.SendMail}
}

func (a *EmailAdapter) Channel() Channel { return ChannelEmail }

func (a *EmailAdapter) SendApprovalRequest(_ context.Context, req *domain.ApprovalRequest, approver ApproverInfo) error {
	subject, body := approvalMessage(req)
	return a.mail(approver.Email, subject, body)
}

func (a *EmailAdapter) SendDecisionNotification(_ context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string, recipient ApproverInfo) error {
	subject, body := decisionMessage(req, decision, reason)
	return a.mail(recipient.Email, subject, body)
}

func (a *EmailAdapter) mail(to, subject, body string) error {
	if to == "" {
		return errors.New("recipient has no email address")
	}
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	var msg strings.Builder
	msg.WriteString("From: " + a.cfg.From + "\r\n")
	msg.WriteString("To: " + headerValue(to) + "\r\n")
	msg.WriteString("Subject: " + headerValue(subject) + "\r\n")
	msg.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	addr := a.cfg.Host + ":" + strconv.Itoa(a.cfg.Port)
	if err := a.send(addr, auth, a.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// headerValue: значение заголовка письма в одну строку. Поля запроса (ID агента и т.п.)
// приходят от клиента, CR/LF в них дали бы дописать свои заголовки.
func headerValue(v string) string {
	v = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(v)
	return mime.QEncoding.Encode("utf-8", v)
}

// ── Slack ────────────────────────────────────────────────────

// SlackAdapter шлёт в Slack incoming webhook. Апрувер упоминается по slack_user_id.
type SlackAdapter struct {
	url    string
	client *deliveryClient
}

func NewSlackAdapter(url string, hc *http.Client, opts DeliveryOptions) *SlackAdapter {
	return &SlackAdapter{url: url, client: newDeliveryClient("slack", hc, opts)}
}

func (a *SlackAdapter) Channel() Channel { return ChannelSlack }

func (a *SlackAdapter) SendApprovalRequest(ctx context.Context, req *domain.ApprovalRequest, approver ApproverInfo) error {
	subject, body := approvalMessage(req)
	return a.post(ctx, mention(approver)+"*"+subject+"*\n"+body)
}

func (a *SlackAdapter) SendDecisionNotification(ctx context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string, recipient ApproverInfo) error {
	subject, body := decisionMessage(req, decision, reason)
	return a.post(ctx, mention(recipient)+"*"+subject+"*\n"+body)
}

func mention(a ApproverInfo) string {
	if a.SlackUserID == "" {
		return ""
	}
	return "<@" + a.SlackUserID + "> "
}

func (a *SlackAdapter) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return a.client.postJSON(ctx, a.url, body, nil)
}

// ── Teams ────────────────────────────────────────────────────

// TeamsAdapter шлёт MessageCard в Microsoft Teams incoming webhook
type TeamsAdapter struct {
	url    string
	client *deliveryClient
}

func NewTeamsAdapter(url string, hc *http.Client, opts DeliveryOptions) *TeamsAdapter {
	return &TeamsAdapter{url: url, client: newDeliveryClient("teams", hc, opts)}
}

func (a *TeamsAdapter) Channel() Channel { return ChannelTeams }

func (a *TeamsAdapter) SendApprovalRequest(ctx context.Context, req *domain.ApprovalRequest, _ ApproverInfo) error {
	subject, body := approvalMessage(req)
	return a.post(ctx, subject, body, "FFA500")
}

func (a *TeamsAdapter) SendDecisionNotification(ctx context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string, _ ApproverInfo) error {
	subject, body := decisionMessage(req, decision, reason)
	color := "2EB886"
	if decision != domain.StatusApproved {
		color = "D00000"
	}
	return a.post(ctx, subject, body, color)
}

func (a *TeamsAdapter) post(ctx context.Context, title, text, color string) error {
	card := map[string]string{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    title,
		"title":      title,
		"text":       strings.ReplaceAll(text, "\n", "<br>"),
		"themeColor": color,
	}
	body, err := json.Marshal(card)
	if err != nil {
		return err
	}
	return a.client.postJSON(ctx, a.url, body, nil)
}

// ── Generic webhook ──────────────────────────────────────────

// SignatureHeader: HMAC-SHA256 тела запроса, формат "sha256=<hex>"
const SignatureHeader = "X-Governance-Signature"

// WebhookEvent: тело generic webhook
type WebhookEvent struct {
	Event     string                  `json:"event"` // approval_requested | approval_decided
	Request   *domain.ApprovalRequest `json:"request"`
	Decision  domain.ApprovalStatus   `json:"decision,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Recipient string                  `json:"recipient,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

type WebhookAdapter struct {
	url    string
	secret string
	client *deliveryClient
}

func NewWebhookAdapter(url, secret string, hc *http.Client, opts DeliveryOptions) *WebhookAdapter {
	return &WebhookAdapter{url: url, secret: secret, client: newDeliveryClient("webhook", hc, opts)}
}

func (a *WebhookAdapter) Channel() Channel { return ChannelWebhook }

func (a *WebhookAdapter) SendApprovalRequest(ctx context.Context, req *domain.ApprovalRequest, approver ApproverInfo) error {
	return a.send(ctx, WebhookEvent{
		Event:     "approval_requested",
		Request:   req,
		Recipient: approver.ID,
		Timestamp: time.Now().UTC(),
	})
}

func (a *WebhookAdapter) SendDecisionNotification(ctx context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string, recipient ApproverInfo) error {
	return a.send(ctx, WebhookEvent{
		Event:     "approval_decided",
		Request:   req,
		Decision:  decision,
		Reason:    reason,
		Recipient: recipient.ID,
		Timestamp: time.Now().UTC(),
	})
}

func (a *WebhookAdapter) send(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	var headers map[string]string
	if a.secret != "" {
		headers = map[string]string{SignatureHeader: Sign(a.secret, body)}
	}
	return a.client.postJSON(ctx, a.url, body, headers)
}

// Sign считает подпись тела для заголовка SignatureHeader
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ── Alerts ───────────────────────────────────────────────────

// AlertSender: опциональная способность адаптера слать операционные алерты без адресата
type AlertSender interface {
	SendAlert(ctx context.Context, subject, body string) error
}

func (a *SlackAdapter) SendAlert(ctx context.Context, subject, body string) error {
	return a.post(ctx, ":warning: *"+subject+"*\n"+body)
}

func (a *TeamsAdapter) SendAlert(ctx context.Context, subject, body string) error {
	return a.post(ctx, subject, body, "FFA500")
}

func (a *WebhookAdapter) SendAlert(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event":     "budget_alert",
		"subject":   subject,
		"message":   body,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	var headers map[string]string
	if a.secret != "" {
		headers = map[string]string{SignatureHeader: Sign(a.secret, payload)}
	}
	return a.client.postJSON(ctx, a.url, payload, headers)
}
