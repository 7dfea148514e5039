package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"alarmd/internal/alarm"
	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

var snoozeChoices = []int{10, 30}

type TelegramConfig struct {
	Token       string
	ChatIDs     []int64
	PollTimeout time.Duration
	// AllowedUserIDs limits who may press the buttons or send commands; empty
	// allows anyone in the target chats.
	AllowedUserIDs []int64
	// Location resolves wall-clock times in /remind; nil means time.Local.
	Location *time.Location
}

// Telegram posts ringing alarms with Dismiss/Snooze buttons and routes the
// button presses into Actions. With Reminders set it also serves /remind and
// /cancel.
type Telegram struct {
	cfg       TelegramConfig
	log       logx.Logger
	bot       *tele.Bot
	actions   Actions
	reminders Reminders

	mu   sync.Mutex
	sent map[reminder.ID][]tele.StoredMessage
	// titles keeps the text for the "ended" edit.
	titles map[reminder.ID]string

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func NewTelegram(cfg TelegramConfig, actions Actions, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat_ids is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		cfg:     cfg,
		log:     log,
		bot:     b,
		actions: actions,
		sent:    map[reminder.ID][]tele.StoredMessage{},
		titles:  map[reminder.ID]string{},
	}, nil
}

// SetActions installs the receiver of button presses. It must be called
// before Start when the engine is built after the notifier.
func (t *Telegram) SetActions(a Actions) {
	t.runMu.Lock()
	t.actions = a
	t.runMu.Unlock()
}

func (t *Telegram) ShowRinging(ctx context.Context, r alarm.Alert) error {
	text := ringingText(r)
	opt := &tele.SendOptions{ReplyMarkup: ringingMarkup(r.ID)}

	var (
		errs []error
		sent []tele.StoredMessage
	)
	for _, chatID := range t.cfg.ChatIDs {
		msg, err := t.bot.Send(&tele.Chat{ID: chatID}, text, opt)
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram send to %d: %w", chatID, err))
			continue
		}
		sent = append(sent, tele.StoredMessage{MessageID: strconv.Itoa(msg.ID), ChatID: chatID})
	}

	t.mu.Lock()
	t.sent[r.ID] = append(t.sent[r.ID], sent...)
	t.titles[r.ID] = r.Title
	t.mu.Unlock()
	return errors.Join(errs...)
}

// HideRinging replaces the alarm messages with a plain "ended" line, which
// also drops their buttons.
func (t *Telegram) HideRinging(ctx context.Context, id reminder.ID) error {
	t.mu.Lock()
	msgs := t.sent[id]
	title := t.titles[id]
	delete(t.sent, id)
	delete(t.titles, id)
	t.mu.Unlock()

	var errs []error
	for _, m := range msgs {
		if _, err := t.bot.Edit(m, endedText(title)); err != nil {
			errs = append(errs, fmt.Errorf("telegram edit %s: %w", m.MessageID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) Start(ctx context.Context) error {
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return nil
	}
	if t.actions == nil {
		t.runMu.Unlock()
		return errors.New("telegram: no actions installed")
	}
	t.running = true
	actions, reminders := t.actions, t.reminders
	rctx, cancel := context.WithCancel(ctx)
	t.runCancel = cancel
	t.runWG.Add(1)
	t.runMu.Unlock()

	t.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		if !t.allowed(cb.Sender) {
			return c.Respond(&tele.CallbackResponse{Text: "Not allowed"})
		}
		parsed, err := ParseCallback(cb.Data)
		if err != nil {
			t.log.Debug("ignoring foreign callback", logx.String("data", cb.Data))
			return c.Respond()
		}
		out, err := Dispatch(rctx, actions, parsed)
		if err != nil {
			t.log.Warn("callback action failed",
				logx.Int64("reminder_id", int64(parsed.ID)),
				logx.String("action", string(parsed.Action)),
				logx.Err(err),
			)
		}
		return c.Respond(&tele.CallbackResponse{Text: answerText(out, err)})
	})

	if reminders != nil {
		t.handleCommands(rctx, reminders)
	}

	go func() {
		defer t.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			t.bot.Stop()
		}()
		t.log.Info("polling started")
		t.bot.Start() // blocks until Stop() called
	}()
	return nil
}

func (t *Telegram) Stop(ctx context.Context) error {
	t.runMu.Lock()
	cancel := t.runCancel
	t.runCancel = nil
	wasRunning := t.running
	t.running = false
	t.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		t.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		t.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		t.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (t *Telegram) allowed(u *tele.User) bool {
	if len(t.cfg.AllowedUserIDs) == 0 {
		return true
	}
	if u == nil {
		return false
	}
	for _, id := range t.cfg.AllowedUserIDs {
		if id == u.ID {
			return true
		}
	}
	return false
}

func ringingText(r alarm.Alert) string {
	var b strings.Builder
	b.WriteString("⏰ ")
	if r.Title != "" {
		b.WriteString(r.Title)
	} else {
		b.WriteString("Reminder")
	}
	if r.EscalationLabel != "" {
		b.WriteString("\n")
		b.WriteString(r.EscalationLabel)
	}
	if r.Notes != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Notes)
	}
	return b.String()
}

func endedText(title string) string {
	if title == "" {
		title = "Reminder"
	}
	return title + "\n(alarm ended)"
}

func ringingMarkup(id reminder.ID) *tele.ReplyMarkup {
	row := []tele.InlineButton{
		{Text: "Dismiss", Data: CallbackData(ActionDismiss, id, 0)},
		{Text: "Snooze", Data: CallbackData(ActionSnooze, id, 0)},
	}
	for _, m := range snoozeChoices {
		row = append(row, tele.InlineButton{Text: strconv.Itoa(m) + "m", Data: CallbackData(ActionSnooze, id, m)})
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
}
