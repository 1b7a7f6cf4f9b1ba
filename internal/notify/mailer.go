package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
)

const sendTimeout = 10 * time.Second

const lowBalanceTemplateText = `<html>
<body>
<p>Hi {{.DisplayName}},</p>
<p>Your credit balance is down to <strong>{{.Remaining}}</strong> credit{{if ne .Remaining 1}}s{{end}}.</p>
<p>Top up to keep generating documents without interruption, or switch to your own API key in settings.</p>
</body>
</html>`

const purchaseTemplateText = `<html>
<body>
<p>Hi {{.DisplayName}},</p>
<p>Thanks for your purchase. <strong>{{.Amount}}</strong> credits were added to your account.</p>
<p>Your balance is now {{.Total}} credits.</p>
</body>
</html>`

var (
	lowBalanceTemplate = template.Must(template.New("low_balance").Parse(lowBalanceTemplateText))
	purchaseTemplate   = template.Must(template.New("purchase_receipt").Parse(purchaseTemplateText))
)

// Mailer turns credit events into email. Deliveries run on their own
// goroutine so the credit path never waits on SMTP; failures are logged and
// dropped. Implements credits.LowBalanceNotifier.
type Mailer struct {
	sender  EmailSender
	logger  *zap.Logger
	pending sync.WaitGroup
}

// NewMailer wires a mailer over a sender. A nil sender falls back to
// NoOpSender.
func NewMailer(sender EmailSender, logger *zap.Logger) *Mailer {
	if sender == nil {
		sender = NoOpSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{sender: sender, logger: logger}
}

// NotifyLowBalance sends the low-balance warning. Returns immediately.
func (mailer *Mailer) NotifyLowBalance(_ context.Context, account credits.Account, remaining int64) {
	if account.Email == "" {
		return
	}
	body, err := renderTemplate(lowBalanceTemplate, map[string]any{
		"DisplayName": displayNameOrFallback(account),
		"Remaining":   remaining,
	})
	if err != nil {
		mailer.logger.Error("render low balance email", zap.Error(err))
		return
	}
	mailer.deliver(account, "You're running low on credits", body, "low_balance")
}

// NotifyPurchase sends a receipt after a purchase was credited. Returns
// immediately.
func (mailer *Mailer) NotifyPurchase(_ context.Context, account credits.Account, amount int64, total int64) {
	if account.Email == "" {
		return
	}
	body, err := renderTemplate(purchaseTemplate, map[string]any{
		"DisplayName": displayNameOrFallback(account),
		"Amount":      amount,
		"Total":       total,
	})
	if err != nil {
		mailer.logger.Error("render purchase email", zap.Error(err))
		return
	}
	mailer.deliver(account, fmt.Sprintf("%d credits added to your account", amount), body, "purchase_receipt")
}

// Flush waits for in-flight deliveries. Used on shutdown and in tests.
func (mailer *Mailer) Flush() {
	mailer.pending.Wait()
}

func (mailer *Mailer) deliver(account credits.Account, subject string, body string, kind string) {
	mailer.pending.Add(1)
	go func() {
		defer mailer.pending.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := mailer.sender.Send(sendCtx, account.Email, subject, body); err != nil {
			mailer.logger.Warn("email delivery failed",
				zap.String("kind", kind),
				zap.String("account_id", account.AccountID),
				zap.Error(err))
		}
	}()
}

func renderTemplate(parsed *template.Template, data map[string]any) (string, error) {
	var body bytes.Buffer
	if err := parsed.Execute(&body, data); err != nil {
		return "", err
	}
	return body.String(), nil
}

func displayNameOrFallback(account credits.Account) string {
	if account.DisplayName != "" {
		return account.DisplayName
	}
	return "there"
}
