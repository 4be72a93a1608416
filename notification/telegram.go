// Package notification delivers operator alerts over external channels.
package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/helmsbot/helmsbot/exchange"
	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/service"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Controls is the narrow engine surface the bot commands act on.
type Controls interface {
	StatusReport() string
	EmergencyStop(reason string)
	Resume()
}

type telegram struct {
	settings    model.Settings
	controls    Controls
	defaultMenu *tb.ReplyMarkup
	client      *tb.Bot
}

type Option func(telegram *telegram)

// NewTelegram builds the operator bot. Only the allowlisted user ids in the
// settings can talk to it.
func NewTelegram(controls Controls, settings model.Settings, options ...Option) (service.Telegram, error) {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	poller := &tb.LongPoller{Timeout: 10 * time.Second}

	userMiddleware := tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			log.Error("telegram: no message, ", u)
			return false
		}

		for _, user := range settings.Telegram.Users {
			if int(u.Message.Sender.ID) == user {
				return true
			}
		}

		log.Error("telegram: unauthorized user, ", u.Message)
		return false
	})

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     settings.Telegram.Token,
		Poller:    userMiddleware,
	})
	if err != nil {
		return nil, err
	}

	var (
		statusBtn = menu.Text("/status")
		stopBtn   = menu.Text("/stop")
		resumeBtn = menu.Text("/resume")
	)

	err = client.SetCommands([]tb.Command{
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/status", Description: "Engine and strategy status"},
		{Text: "/stop", Description: "Emergency stop all trading"},
		{Text: "/resume", Description: "Clear the emergency stop"},
	})
	if err != nil {
		return nil, err
	}

	menu.Reply(
		menu.Row(statusBtn),
		menu.Row(stopBtn, resumeBtn),
	)

	bot := &telegram{
		controls:    controls,
		client:      client,
		settings:    settings,
		defaultMenu: menu,
	}

	for _, option := range options {
		option(bot)
	}

	client.Handle("/help", bot.HelpHandle)
	client.Handle("/status", bot.StatusHandle)
	client.Handle("/stop", bot.StopHandle)
	client.Handle("/resume", bot.ResumeHandle)

	return bot, nil
}

func (t telegram) Start() {
	go t.client.Start()
	for _, id := range t.settings.Telegram.Users {
		_, err := t.client.Send(&tb.User{ID: int64(id)}, "Bot initialized.", t.defaultMenu)
		if err != nil {
			log.Error(err)
		}
	}
}

// Notify sends a text to every allowlisted user.
func (t telegram) Notify(text string) {
	for _, user := range t.settings.Telegram.Users {
		_, err := t.client.Send(&tb.User{ID: int64(user)}, text)
		if err != nil {
			log.Error(err)
		}
	}
}

func (t telegram) HelpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		log.Error(err)
		t.OnError(err)
		return
	}

	lines := make([]string, 0, len(commands))
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("/%s - %s", command.Text, command.Description))
	}

	_, err = t.client.Send(m.Sender, strings.Join(lines, "\n"))
	if err != nil {
		log.Error(err)
	}
}

func (t telegram) StatusHandle(m *tb.Message) {
	_, err := t.client.Send(m.Sender, t.controls.StatusReport())
	if err != nil {
		log.Error(err)
	}
}

// StopHandle latches the emergency stop. The reason records who pulled it.
func (t telegram) StopHandle(m *tb.Message) {
	reason := fmt.Sprintf("telegram operator %d", m.Sender.ID)
	t.controls.EmergencyStop(reason)
	_, err := t.client.Send(m.Sender, "🛑 Emergency stop engaged. Use /resume to clear.", t.defaultMenu)
	if err != nil {
		log.Error(err)
	}
}

func (t telegram) ResumeHandle(m *tb.Message) {
	t.controls.Resume()
	_, err := t.client.Send(m.Sender, "Emergency stop cleared.", t.defaultMenu)
	if err != nil {
		log.Error(err)
	}
}

// OnTrade announces a resolved execution.
func (t telegram) OnTrade(exec model.TradeExecution) {
	var title string
	switch exec.Status {
	case model.ExecutionStatusFilled:
		title = fmt.Sprintf("✅ ORDER FILLED - %s", exec.Symbol)
	case model.ExecutionStatusPartial:
		title = fmt.Sprintf("◑ PARTIAL FILL - %s", exec.Symbol)
	default:
		title = fmt.Sprintf("❌ ORDER %s - %s", strings.ToUpper(string(exec.Status)), exec.Symbol)
	}

	message := fmt.Sprintf("%s\n-----\nStrategy: %d\nSide: %s\nQuantity: `%.8f`\nPrice: `%.2f`\nFees: `%.4f`",
		title, exec.StrategyID, exec.Side, exec.FilledQuantity, exec.AveragePrice, exec.Fees)
	t.Notify(message)
}

func (t telegram) OnError(err error) {
	title := "🛑 ERROR"

	var orderError *exchange.OrderError
	if errors.As(err, &orderError) {
		message := fmt.Sprintf(`%s
        -----
        Symbol: %s
        Quantity: %.4f
        -----
        %s`, title, orderError.Symbol, orderError.Quantity, orderError.Err)
		t.Notify(message)
		return
	}

	t.Notify(fmt.Sprintf("%s\n-----\n%s", title, err))
}
