package chat

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"

	"coachchat/internal/auth"
	"coachchat/internal/billing"
	"coachchat/internal/models"
	"coachchat/internal/rag"
	"coachchat/internal/worker"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultStreamTimeout   = 60 * time.Second
	DefaultFinalizeTimeout = 30 * time.Second
)

// Store is the persistence the orchestrator needs; assistant.Service implements it.
type Store interface {
	GetProject(ctx context.Context, userID int64, projectID string) (*models.Project, error)
	DefaultProject(ctx context.Context, userID int64) (*models.Project, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	CreateChat(ctx context.Context, chat models.Chat) (*models.Chat, error)
	UpdateChatTitle(ctx context.Context, userID int64, chatID, title string) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	SaveMessages(ctx context.Context, msgs ...*models.Message) error
	ListMessages(ctx context.Context, chatID string) ([]*models.Message, error)
}

type CustomerResolver interface {
	ResolveCustomerID(ctx context.Context, email string) (string, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, customerID string) (billing.Decision, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, ownerID int64, projectID string) []models.SectionMatch
}

// Completer streams replies and names chats; ai.Service implements it.
type Completer interface {
	StreamChat(ctx context.Context, system string, history []*models.Message, onDelta func(string) error) (string, error)
	GenerateTitle(ctx context.Context, first *models.Message) (string, error)
}

// Scheduler runs the finalize step off the request goroutine.
type Scheduler interface {
	Submit(job worker.Job) error
	CancelUser(userID int64)
}

var errFinalizeCancelled = errors.New("finalize cancelled")

// Sink receives the events of one streamed turn.
type Sink interface {
	Ack(chatID string, userMessage *models.Message) error
	Delta(content string) error
	TitleUpdate(chatID, title string) error
	Error(message string) error
	Done(assistantMessage *models.Message) error
}

// IncomingMessage is one entry of the client transcript.
type IncomingMessage struct {
	ID          string               `json:"id"`
	Role        models.Role          `json:"role"`
	Content     string               `json:"content"`
	Parts       []models.MessagePart `json:"parts"`
	Attachments []models.Attachment  `json:"experimental_attachments"`
}

// Request is the body of POST /api/chat.
type Request struct {
	ID        string            `json:"id"`
	Messages  []IncomingMessage `json:"messages"`
	Mode      models.Mode       `json:"mode"`
	ProjectID string            `json:"projectId"`
}

type Options struct {
	StreamTimeout   time.Duration
	FinalizeTimeout time.Duration
}

// Orchestrator runs chat turns: validate, charge, persist, retrieve, stream
// and finalize.
type Orchestrator struct {
	store     Store
	customers CustomerResolver
	gate      Authorizer
	retriever Retriever
	completer Completer
	scheduler Scheduler
	opts      Options
}

func NewOrchestrator(store Store, customers CustomerResolver, gate Authorizer, retriever Retriever, completer Completer, scheduler Scheduler, opts Options) *Orchestrator {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return &Orchestrator{
		store:     store,
		customers: customers,
		gate:      gate,
		retriever: retriever,
		completer: completer,
		scheduler: scheduler,
		opts:      opts,
	}
}

// Turn is a charged chat turn whose user message is already stored.
type Turn struct {
	o           *Orchestrator
	identity    auth.Identity
	chat        *models.Chat
	nameChat    bool // still titled with the placeholder
	mode        models.Mode
	userMessage *models.Message

	finalizeOnce sync.Once
}

func (t *Turn) ChatID() string { return t.chat.ID }
func (t *Turn) UserMessage() *models.Message { return t.userMessage }

// Prepare validates the request, charges one turn and stores the user
// message. Every rejection happens before any side effect.
func (o *Orchestrator) Prepare(ctx context.Context, identity auth.Identity, req Request) (*Turn, error) {
	if !identity.Valid() {
		return nil, reject(ErrUnauthorized, "Unauthorized")
	}

	customerID, err := o.customers.ResolveCustomerID(ctx, identity.Email)
	if err != nil {
		return nil, errors.Wrap(err, "resolve customer")
	}
	if customerID == "" {
		return nil, reject(ErrNoCustomer, "Customer record not found. Please make a purchase to proceed.")
	}

	chatID := strings.TrimSpace(req.ID)
	if chatID == "" {
		return nil, reject(ErrInvalidInput, "Chat id is required")
	}
	incoming, ok := lastUserMessage(req.Messages)
	if !ok {
		return nil, reject(ErrInvalidInput, "No user message found")
	}

	chat, err := o.store.GetChat(ctx, chatID)
	isNew := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		isNew = true
	case err != nil:
		return nil, errors.Wrap(err, "load chat")
	case chat.UserID != identity.UserID:
		return nil, reject(ErrUnauthorized, "Unauthorized")
	}

	projectID := ""
	if isNew {
		projectID, err = o.resolveProject(ctx, identity.UserID, req.ProjectID)
		if err != nil {
			return nil, err
		}
	}

	// a resent message id is a retry of a turn whose stream failed: the stored
	// user message is reused instead of inserted again
	stored, err := o.storedUserMessage(ctx, chatID, isNew, incoming.ID)
	if err != nil {
		return nil, err
	}

	decision, err := o.gate.Authorize(ctx, customerID)
	if err != nil {
		log.Printf("credit check for customer %s failed: %v", customerID, err)
		return nil, errors.Wrap(err, "check credits")
	}
	switch decision {
	case billing.Granted:
	case billing.CustomerNotFound:
		return nil, reject(ErrNoCustomer, "Customer record not found. Please make a purchase to proceed.")
	default:
		return nil, reject(ErrInsufficientCredits, "Insufficient credits. Please purchase more credits to continue.")
	}

	if isNew {
		chat, err = o.store.CreateChat(ctx, models.Chat{
			ID:        chatID,
			ProjectID: projectID,
			UserID:    identity.UserID,
			Title:     models.PlaceholderTitle,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create chat")
		}
	}

	userMessage := stored
	if userMessage == nil {
		userMessage = &models.Message{
			ID:          incoming.ID,
			ChatID:      chat.ID,
			Role:        models.RoleUser,
			Parts:       incoming.Parts,
			Attachments: incoming.Attachments,
		}
		if userMessage.ID == "" {
			userMessage.ID = uuid.NewString()
		}
		if len(userMessage.Parts) == 0 {
			userMessage.Parts = models.TextParts(incoming.Content)
		}
		if userMessage.Attachments == nil {
			userMessage.Attachments = []models.Attachment{}
		}
		if err := o.store.SaveMessages(ctx, userMessage); err != nil {
			return nil, errors.Wrap(err, "save user message")
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeAssistant
	}
	return &Turn{
		o:           o,
		identity:    identity,
		chat:        chat,
		nameChat:    isNew || chat.Title == models.PlaceholderTitle,
		mode:        mode,
		userMessage: userMessage,
	}, nil
}

// storedUserMessage returns the user message already saved under messageID in
// this chat, or nil when the id is unused. An id taken by another chat or by
// a non-user message is rejected.
func (o *Orchestrator) storedUserMessage(ctx context.Context, chatID string, isNew bool, messageID string) (*models.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, nil
	}
	msg, err := o.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load message")
	}
	if isNew || msg.ChatID != chatID || msg.Role != models.RoleUser {
		return nil, reject(ErrInvalidInput, "Message id already in use")
	}
	return msg, nil
}

// CancelPending drops the user's finalize steps that have not started yet.
// Their turns end with an error event instead of done.
func (o *Orchestrator) CancelPending(userID int64) {
	if o.scheduler != nil {
		o.scheduler.CancelUser(userID)
	}
}

func (o *Orchestrator) resolveProject(ctx context.Context, userID int64, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != "null" && requested != "undefined" {
		project, err := o.store.GetProject(ctx, userID, requested)
		if err == nil {
			return project.ID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", errors.Wrap(err, "load project")
		}
	}
	project, err := o.store.DefaultProject(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", reject(ErrInvalidInput, "No project available for chat")
	}
	if err != nil {
		return "", errors.Wrap(err, "load default project")
	}
	return project.ID, nil
}

func lastUserMessage(messages []IncomingMessage) (IncomingMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != models.RoleUser {
			continue
		}
		text := m.Content
		if text == "" {
			text = (&models.Message{Parts: m.Parts}).Text()
		}
		if strings.TrimSpace(text) == "" {
			return IncomingMessage{}, false
		}
		return m, true
	}
	return IncomingMessage{}, false
}

type finalizeResult struct {
	message *models.Message
	title   string
	err     error
}

// Stream retrieves context, streams the completion into sink and finalizes
// the turn. A stream failure leaves the user message stored and no assistant
// message.
func (t *Turn) Stream(ctx context.Context, sink Sink) error {
	o := t.o
	if err := sink.Ack(t.chat.ID, t.userMessage); err != nil {
		return errors.Wrap(err, "send ack")
	}

	matches := o.retriever.Retrieve(ctx, t.userMessage.Text(), t.identity.UserID, t.chat.ProjectID)
	system := SystemPrompt(t.mode, rag.BuildContext(matches))

	history, err := o.store.ListMessages(ctx, t.chat.ID)
	if err != nil {
		log.Printf("chat %s: load history: %v", t.chat.ID, err)
		history = []*models.Message{t.userMessage}
	}

	streamCtx, cancel := context.WithTimeout(ctx, o.opts.StreamTimeout)
	defer cancel()
	content, err := o.completer.StreamChat(streamCtx, system, history, sink.Delta)
	if err != nil {
		log.Printf("chat %s: completion stream failed: %v", t.chat.ID, err)
		_ = sink.Error("An error occurred while generating the response")
		return errors.Wrap(err, "stream completion")
	}

	results := make(chan finalizeResult, 1)
	t.finalize(content, results)

	var res finalizeResult
	select {
	case res = <-results:
	case <-ctx.Done():
		// the continuation keeps running on its own context
		return ctx.Err()
	}
	if res.err != nil {
		_ = sink.Error("An error occurred while saving the response")
		return res.err
	}
	if res.title != "" {
		_ = sink.TitleUpdate(t.chat.ID, res.title)
	}
	return sink.Done(res.message)
}

// finalize stores the assistant message and, for a new chat, its title. It
// runs at most once per turn, detached from the request context.
func (t *Turn) finalize(content string, results chan<- finalizeResult) {
	t.finalizeOnce.Do(func() {
		run := func(ctx context.Context) {
			results <- t.persist(ctx, content)
		}
		o := t.o
		if o.scheduler != nil {
			err := o.scheduler.Submit(worker.Job{
				UserID:  t.identity.UserID,
				Name:    "finalize-chat-turn",
				Timeout: o.opts.FinalizeTimeout,
				Run:     run,
				Cancel: func() {
					results <- finalizeResult{err: errFinalizeCancelled}
				},
			})
			if err == nil {
				return
			}
			log.Printf("chat %s: finalize not scheduled (%v), running inline", t.chat.ID, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.FinalizeTimeout)
		defer cancel()
		run(ctx)
	})
}

func (t *Turn) persist(ctx context.Context, content string) finalizeResult {
	o := t.o
	msg := &models.Message{
		ID:          uuid.NewString(),
		ChatID:      t.chat.ID,
		Role:        models.RoleAssistant,
		Parts:       models.TextParts(content),
		Attachments: []models.Attachment{},
	}
	if err := o.store.SaveMessages(ctx, msg); err != nil {
		log.Printf("chat %s: save assistant message: %v", t.chat.ID, err)
		return finalizeResult{err: errors.Wrap(err, "save assistant message")}
	}
	res := finalizeResult{message: msg}
	if !t.nameChat {
		return res
	}

	title, err := o.completer.GenerateTitle(ctx, t.userMessage)
	if err != nil {
		log.Printf("chat %s: generate title: %v", t.chat.ID, err)
		return res
	}
	if err := o.store.UpdateChatTitle(ctx, t.identity.UserID, t.chat.ID, title); err != nil {
		log.Printf("chat %s: update title: %v", t.chat.ID, err)
		return res
	}
	res.title = title
	return res
}
