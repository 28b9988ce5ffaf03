// Package telegram is the chat surface of claudegram. It long-polls the
// Telegram Bot API, forwards user messages to the facade, streams progress
// back into the chat and renders the Telegram tools Claude calls.
package telegram

import (
	"context"
	"slices"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/facade"
	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/tools"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(u tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Claude is the part of *facade.Integration the bot drives.
type Claude interface {
	Run(ctx context.Context, req facade.Request) (*facade.Response, error)
	ContinueSession(ctx context.Context, userID int64, workingDir, prompt string, onStream backend.StreamCallback) (*facade.Response, error)
	NewSession(ctx context.Context, userID int64, workingDir string) (*facade.SessionInfo, error)
	UserSessions(ctx context.Context, userID int64) ([]facade.SessionInfo, error)
	UserSummary(ctx context.Context, userID int64) (*facade.UserSummary, error)
}

// Stopper cancels a user's running conversation.
type Stopper interface {
	Stop(userID int64) bool
	IsActive(userID int64) bool
}

// CommandLister reports the slash command templates available to users.
type CommandLister interface {
	ListCommands() []string
}

// Deps are the collaborators of a Bot. Everything after Conversations may
// be nil.
type Deps struct {
	API           API
	Claude        Claude
	Conversations Stopper
	Gate          *security.Gate
	Tracker       *security.Tracker
	Tools         *tools.Telegram
	Commands      CommandLister
	Repo          RepoStatus
	Logger        *zap.Logger
}

// RepoStatus summarizes the version control state of dir for /status.
type RepoStatus func(dir string) (string, error)

// Options configure a Bot.
type Options struct {
	AllowedUsers []int64
	WorkDir      string
	AllowedTools []string
	PollTimeout  int // seconds
}

// Bot routes Telegram updates to Claude.
type Bot struct {
	api     API
	claude  Claude
	convs   Stopper
	gate    *security.Gate
	tracker *security.Tracker
	tools   *tools.Telegram
	cmds    CommandLister
	repo    RepoStatus
	logger  *zap.Logger
	opts    Options

	mu       sync.Mutex
	chats    map[int64]int64  // user -> chat
	sessions map[int64]string // user -> session to resume

	wg sync.WaitGroup
}

// New builds a Bot and registers it for confirmation requests on d.Gate.
func New(d Deps, opts Options) *Bot {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	tracker := d.Tracker
	if tracker == nil {
		tracker = security.NewTracker()
	}
	b := &Bot{
		api:      d.API,
		claude:   d.Claude,
		convs:    d.Conversations,
		gate:     d.Gate,
		tracker:  tracker,
		tools:    d.Tools,
		cmds:     d.Commands,
		repo:     d.Repo,
		logger:   log.OrNop(d.Logger),
		opts:     opts,
		chats:    make(map[int64]int64),
		sessions: make(map[int64]string),
	}
	if len(opts.AllowedUsers) == 0 {
		b.logger.Warn("no allowed users configured, every message will be rejected")
	}
	if b.gate != nil {
		b.gate.OnAsk(b.ask)
	}
	return b
}

// Start polls for updates until ctx is done, then waits for in-flight
// handlers to finish.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("bot started, waiting for messages")
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

// authorized reports whether userID may use the bot.
func (b *Bot) authorized(userID int64) bool {
	return slices.Contains(b.opts.AllowedUsers, userID)
}

func (b *Bot) rememberChat(userID, chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats[userID] = chatID
}

func (b *Bot) chatOf(userID int64) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.chats[userID]
	return id, ok
}

func (b *Bot) sessionOf(userID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[userID]
}

func (b *Bot) setSession(userID int64, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[userID] = id
}

// Renderer returns the renderer for the user's last chat, or nil when the
// user has not written to the bot yet. It is a tools.RendererLookup.
func (b *Bot) Renderer(userID int64) tools.Renderer {
	chatID, ok := b.chatOf(userID)
	if !ok {
		return nil
	}
	return &chatRenderer{api: b.api, chatID: chatID}
}

// spawn runs fn on its own goroutine and tracks it for shutdown.
func (b *Bot) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}
