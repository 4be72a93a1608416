package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Mail delivers operator alerts over SMTP, a fallback channel for setups
// without Telegram.
type Mail struct {
	auth              smtp.Auth
	smtpServerPort    int
	smtpServerAddress string

	to   string
	from string
}

// MailParams configures the SMTP notifier.
type MailParams struct {
	SMTPServerAddress string
	SMTPServerPort    int
	User              string
	Password          string
	To                string
	From              string
}

// NewMail builds an SMTP notifier with plain authentication.
func NewMail(params MailParams) Mail {
	return Mail{
		auth: smtp.PlainAuth("", params.User, params.Password,
			params.SMTPServerAddress),
		smtpServerAddress: params.SMTPServerAddress,
		smtpServerPort:    params.SMTPServerPort,
		to:                params.To,
		from:              params.From,
	}
}

func (t Mail) Notify(text string) {
	serverAddress := fmt.Sprintf("%s:%d", t.smtpServerAddress, t.smtpServerPort)

	message := fmt.Sprintf(
		`To: "Operator" <%s>\nFrom: "HelmsBot" <%s>\n%s`,
		t.to,
		t.from,
		text,
	)

	err := smtp.SendMail(
		serverAddress,
		t.auth,
		t.from,
		[]string{t.to},
		[]byte(message))
	if err != nil {
		log.
			WithError(err).
			Errorf("notification/mail: couldnt send mail")
	}
}

// OnTrade mails a resolved execution.
func (t Mail) OnTrade(exec model.TradeExecution) {
	var title string
	switch exec.Status {
	case model.ExecutionStatusFilled:
		title = fmt.Sprintf("✅ ORDER FILLED - %s", exec.Symbol)
	case model.ExecutionStatusPartial:
		title = fmt.Sprintf("◑ PARTIAL FILL - %s", exec.Symbol)
	default:
		title = fmt.Sprintf("❌ ORDER %s - %s", strings.ToUpper(string(exec.Status)), exec.Symbol)
	}

	message := fmt.Sprintf("Subject: %s\nStrategy %d %s %.8f @ %.2f (fees %.4f)",
		title, exec.StrategyID, exec.Side, exec.FilledQuantity, exec.AveragePrice, exec.Fees)
	t.Notify(message)
}

func (t Mail) OnError(err error) {
	message := fmt.Sprintf("Subject: 🛑 ERROR\nError %s", err)
	t.Notify(message)
}
