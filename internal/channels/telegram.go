package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/lemongate/internal/router"
	"github.com/basket/lemongate/internal/stream"
)

// telegramMaxChars is Telegram's hard message length limit.
const telegramMaxChars = 4096

// dedupeWindow bounds the idempotency-key memory of the sender.
const dedupeWindow = 512

// TelegramChannel implements Channel for inbound messages, the edit-capable
// ChannelAdapter strategy, and the Outbox sender for Telegram.
type TelegramChannel struct {
	token      string
	accountID  string
	allowedIDs map[int64]struct{}
	router     *router.Router
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	dedupMu   sync.Mutex
	sentKeys  map[string]struct{}
	sentOrder []string
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token, accountID string, allowedIDs []int64, rt *router.Router, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		accountID:  accountID,
		allowedIDs: allowed,
		router:     rt,
		logger:     logger,
		sentKeys:   make(map[string]struct{}),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If nothing arrives for 2.5
	// minutes, the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	inbound := router.InboundMessage{
		ChannelID: t.Name(),
		AccountID: t.accountID,
		Peer: router.Peer{
			Kind: peerKindForChat(msg.Chat),
			ID:   strconv.FormatInt(msg.Chat.ID, 10),
		},
		Sender: &router.Sender{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			Username:    msg.From.UserName,
			DisplayName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		},
		Message: router.Message{
			ID:        strconv.Itoa(msg.MessageID),
			Text:      content,
			Timestamp: time.Unix(int64(msg.Date), 0),
		},
		Raw: msg,
	}
	if msg.ReplyToMessage != nil {
		inbound.Message.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	res, err := t.router.HandleInbound(ctx, inbound)
	if err != nil {
		t.logger.Error("telegram routing failed", "chat_id", msg.Chat.ID, "error", err)
		t.sendPlain(msg.Chat.ID, "Could not schedule that request.")
		return
	}
	t.logger.Info("telegram message routed", "chat_id", msg.Chat.ID, "run_id", res.RunID, "session_key", res.SessionKey)
}

func peerKindForChat(chat *tgbotapi.Chat) string {
	switch {
	case chat.IsPrivate():
		return "dm"
	case chat.IsSuperGroup():
		return "supergroup"
	case chat.IsGroup():
		return "group"
	case chat.IsChannel():
		return "channel"
	default:
		return "dm"
	}
}

// handleCallbackQuery handles the inline buttons attached to idle-watchdog
// prompts and the tool-status surface.
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	action, runID, ok := strings.Cut(query.Data, ":")
	if !ok {
		return
	}

	ack := tgbotapi.NewCallback(query.ID, "")
	switch action {
	case "keep":
		t.router.KeepWaiting(runID)
		ack.Text = "Keeping the run alive."
	case "stop":
		t.router.CancelByRunID(runID, "user_requested")
		ack.Text = "Stopping the run."
	default:
		return
	}
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to answer callback query", "error", err)
	}
}

// ChannelID implements stream.ChannelAdapter.
func (t *TelegramChannel) ChannelID() string { return t.Name() }

// SupportsEdit reports that Telegram messages can be edited in place.
func (t *TelegramChannel) SupportsEdit() bool { return true }

// MaxMessageChars returns Telegram's message length limit.
func (t *TelegramChannel) MaxMessageChars() int { return telegramMaxChars }

// Truncate clips text to limit bytes, marking the cut.
func (t *TelegramChannel) Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	if limit <= 3 {
		return text[:limit]
	}
	return text[:limit-3] + "…"
}

// RenderAnswer creates the answer message on the first flush and edits it on
// later ones; the final edit carries the full text plus the resume suffix.
func (t *TelegramChannel) RenderAnswer(snap stream.AnswerSnapshot) []stream.OutboundPayload {
	content := snap.FullText
	if snap.Final && snap.ResumeLine != "" {
		content += "\n\n`" + snap.ResumeLine + "`"
	}
	if content == "" {
		return nil
	}
	p := stream.OutboundPayload{
		Target:         snap.Target,
		Kind:           stream.OutboundText,
		Content:        t.Truncate(content, telegramMaxChars),
		IdempotencyKey: fmt.Sprintf("%s:answer:%d:%v", snap.RunID, len(snap.FullText), snap.Final),
	}
	if snap.MsgID != "" {
		p.Kind = stream.OutboundEdit
		p.TargetMsgID = snap.MsgID
	}
	return []stream.OutboundPayload{p}
}

// RenderStatus maintains the separate "Tool calls" message, with a stop
// button while the run is live.
func (t *TelegramChannel) RenderStatus(snap stream.StatusSnapshot) []stream.OutboundPayload {
	p := stream.OutboundPayload{
		Target:         snap.Target,
		Kind:           stream.OutboundText,
		Content:        t.Truncate(snap.Text, telegramMaxChars),
		IdempotencyKey: fmt.Sprintf("%s:status:%d", snap.RunID, len(snap.Text)),
		Meta:           map[string]string{},
	}
	if !snap.Final {
		p.Meta["reply_markup"] = "stop"
		p.Meta["run_id"] = snap.RunID
	}
	if snap.MsgID != "" {
		p.Kind = stream.OutboundEdit
		p.TargetMsgID = snap.MsgID
	}
	return []stream.OutboundPayload{p}
}

// RenderIdlePrompt renders the Keep Waiting / Stop Run keyboard.
func (t *TelegramChannel) RenderIdlePrompt(target stream.Target, runID string, confirmBy time.Time) []stream.OutboundPayload {
	return []stream.OutboundPayload{{
		Target:         target,
		Kind:           stream.OutboundText,
		Content:        "This run has been quiet for a while. Keep waiting?",
		IdempotencyKey: runID + ":idle",
		Meta: map[string]string{
			"reply_markup": "keep_stop",
			"run_id":       runID,
		},
	}}
}

// BatchFiles groups files into Telegram's album size.
func (t *TelegramChannel) BatchFiles(files []string) [][]string {
	const albumLimit = 10
	var batches [][]string
	for len(files) > albumLimit {
		batches = append(batches, files[:albumLimit])
		files = files[albumLimit:]
	}
	if len(files) > 0 {
		batches = append(batches, files)
	}
	return batches
}

// Enqueue implements stream.Outbox: it delivers one payload through the bot
// API, deduplicating on idempotency key.
func (t *TelegramChannel) Enqueue(_ context.Context, p stream.OutboundPayload) error {
	if p.IdempotencyKey != "" && t.alreadySent(p.IdempotencyKey) {
		return nil
	}
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(p.PeerID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram peer id %q: %w", p.PeerID, err)
	}

	switch p.Kind {
	case stream.OutboundText:
		msg := tgbotapi.NewMessage(chatID, p.Content)
		if markup, ok := t.markupFor(p.Meta); ok {
			msg.ReplyMarkup = markup
		}
		sent, err := t.bot.Send(msg)
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		if p.Ack != nil {
			p.Ack(strconv.Itoa(sent.MessageID))
		}
	case stream.OutboundEdit:
		msgID, err := strconv.Atoi(p.TargetMsgID)
		if err != nil {
			return fmt.Errorf("telegram message id %q: %w", p.TargetMsgID, err)
		}
		edit := tgbotapi.NewEditMessageText(chatID, msgID, p.Content)
		if markup, ok := t.markupFor(p.Meta); ok {
			edit.ReplyMarkup = &markup
		}
		if _, err := t.bot.Send(edit); err != nil {
			return fmt.Errorf("telegram edit: %w", err)
		}
	case stream.OutboundDelete:
		msgID, err := strconv.Atoi(p.TargetMsgID)
		if err != nil {
			return fmt.Errorf("telegram message id %q: %w", p.TargetMsgID, err)
		}
		if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
			return fmt.Errorf("telegram delete: %w", err)
		}
	case stream.OutboundFile:
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(p.Content))
		if _, err := t.bot.Send(doc); err != nil {
			return fmt.Errorf("telegram file: %w", err)
		}
	default:
		return fmt.Errorf("telegram: unsupported payload kind %q", p.Kind)
	}
	return nil
}

// markupFor builds the inline keyboard a payload asked for.
func (t *TelegramChannel) markupFor(meta map[string]string) (tgbotapi.InlineKeyboardMarkup, bool) {
	runID := meta["run_id"]
	switch meta["reply_markup"] {
	case "keep_stop":
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Keep Waiting", "keep:"+runID),
				tgbotapi.NewInlineKeyboardButtonData("Stop Run", "stop:"+runID),
			),
		), true
	case "stop":
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Stop Run", "stop:"+runID),
			),
		), true
	}
	return tgbotapi.InlineKeyboardMarkup{}, false
}

// alreadySent records and checks idempotency keys within a bounded window.
func (t *TelegramChannel) alreadySent(key string) bool {
	t.dedupMu.Lock()
	defer t.dedupMu.Unlock()
	if _, dup := t.sentKeys[key]; dup {
		return true
	}
	t.sentKeys[key] = struct{}{}
	t.sentOrder = append(t.sentOrder, key)
	if len(t.sentOrder) > dedupeWindow {
		evicted := t.sentOrder[0]
		t.sentOrder = t.sentOrder[1:]
		delete(t.sentKeys, evicted)
	}
	return false
}

func (t *TelegramChannel) sendPlain(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
