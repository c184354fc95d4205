package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"coachchat/internal/auth"
	"coachchat/internal/billing"
	"coachchat/internal/config"
	"coachchat/internal/models"
	"coachchat/internal/payments"
	"coachchat/internal/rag"
	"coachchat/internal/service/assistant"
	"coachchat/internal/service/chat"
	"coachchat/internal/storage"
)

const (
	testHitPaySalt   = "hitpay-salt"
	testPaddleSecret = "paddle-secret"
)

type stubCompleter struct {
	streamErr error
}

func (s *stubCompleter) StreamChat(_ context.Context, _ string, _ []*models.Message, onDelta func(string) error) (string, error) {
	if s.streamErr != nil {
		return "", s.streamErr
	}
	for _, part := range []string{"Hello", " there"} {
		if err := onDelta(part); err != nil {
			return "", err
		}
	}
	return "Hello there", nil
}

func (s *stubCompleter) GenerateTitle(context.Context, *models.Message) (string, error) {
	return "Greeting", nil
}

type unitEmbedder struct {
	calls atomic.Int64
}

func (e *unitEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls.Add(1)
	return []float32{1, 0, 0, 0}, nil
}

type testServer struct {
	router    *gin.Engine
	db        *sql.DB
	assistant *assistant.Service
	billing   *billing.Store
	completer *stubCompleter
	embedder  *unitEmbedder
	hitpay    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
		BasicConfig: config.BasicConfig{
			PublicURL: "https://coach.example",
		},
		HitPay: config.HitPayConfig{APIKey: "hp-key", Salt: testHitPaySalt},
		Paddle: config.PaddleConfig{WebhookSecret: testPaddleSecret},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hitpaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BUSINESS-API-KEY") != "hp-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pr_123","url":"https://checkout.example/pr_123"}`))
	}))
	t.Cleanup(hitpaySrv.Close)
	hitpayClient := payments.NewHitPayClient(cfg.HitPay, hitpaySrv.Client())
	hitpayClient.BaseURL = hitpaySrv.URL

	asst := assistant.NewService(db)
	billingStore := billing.NewStore(db)
	completer := &stubCompleter{}
	embedder := &unitEmbedder{}
	orch := chat.NewOrchestrator(
		asst,
		billingStore,
		billing.NewGate(billingStore, 1),
		rag.NewRetriever(embedder, asst, 4),
		completer,
		nil,
		chat.Options{StreamTimeout: 5 * time.Second, FinalizeTimeout: 5 * time.Second},
	)
	handler := NewHandler(Dependencies{
		Assistant: asst,
		Auth:      auth.NewService(db, nil, time.Hour),
		Billing:   billingStore,
		Chats:     orch,
		Payments:  payments.NewProcessor(billingStore, nil),
		HitPay:    hitpayClient,
		Embedder:  embedder,
		Config:    cfg,
	})

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{
		router:    router,
		db:        db,
		assistant: asst,
		billing:   billingStore,
		completer: completer,
		embedder:  embedder,
		hitpay:    hitpaySrv,
	}
}

func (s *testServer) fund(t *testing.T, email string, credits int64) {
	t.Helper()
	if err := s.billing.AddCredits(context.Background(), email, &email, credits, "seed"); err != nil {
		t.Fatalf("fund %s: %v", email, err)
	}
}

func (s *testServer) balance(t *testing.T, email string) int64 {
	t.Helper()
	n, err := s.billing.Balance(context.Background(), email)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return n
}

func (s *testServer) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestChatTurnStreamsOverSSE(t *testing.T) {
	srv := newTestServer(t)
	_, authHeader := registerAndLogin(t, srv.router, "bob@example.com")
	srv.fund(t, "bob@example.com", 2)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"id":       "chat-1",
		"mode":     "coach",
		"messages": []map[string]any{{"id": "m-1", "role": "user", "content": "Hi, I am Bob."}},
	}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}

	events := parseSSE(t, resp.Body.String())
	names := make([]string, 0, len(events))
	for _, evt := range events {
		names = append(names, evt.Name)
	}
	want := []string{"ack", "stream", "stream", "title-update", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, names)
	}

	var ack struct {
		ChatID  string `json:"chatId"`
		Message struct {
			ID    string `json:"id"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	if ack.ChatID != "chat-1" || ack.Message.ID != "m-1" {
		t.Fatalf("unexpected ack payload: %s", events[0].Data)
	}
	if len(ack.Message.Parts) != 1 || ack.Message.Parts[0].Text != "Hi, I am Bob." {
		t.Fatalf("ack should echo the user message, got %s", events[0].Data)
	}

	var title struct {
		ChatID string `json:"chatId"`
		Title  string `json:"title"`
	}
	decodeJSON(t, []byte(events[3].Data), &title)
	if title.Title != "Greeting" {
		t.Fatalf("expected generated title, got %q", title.Title)
	}

	if got := srv.balance(t, "bob@example.com"); got != 1 {
		t.Fatalf("expected one credit charged, balance %d", got)
	}

	histResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/history", nil, authHeader)
	assertStatus(t, histResp, http.StatusOK)
	var history []models.Chat
	decodeJSON(t, histResp.Body.Bytes(), &history)
	if len(history) != 1 || history[0].Title != "Greeting" {
		t.Fatalf("unexpected history: %s", histResp.Body.String())
	}

	msgResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/chat-1/messages", nil, authHeader)
	assertStatus(t, msgResp, http.StatusOK)
	var detail struct {
		Chat     models.Chat       `json:"chat"`
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &detail)
	if len(detail.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(detail.Messages))
	}
	if detail.Messages[1].Role != models.RoleAssistant || detail.Messages[1].Text() != "Hello there" {
		t.Fatalf("unexpected assistant message: %+v", detail.Messages[1])
	}
}

func TestChatRejectionsAreJSON(t *testing.T) {
	srv := newTestServer(t)
	_, authHeader := registerAndLogin(t, srv.router, "carol@example.com")

	body := map[string]any{
		"id":       "chat-x",
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	}
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", body, authHeader)
	assertStatus(t, resp, http.StatusNotFound)
	if srv.count(t, `SELECT COUNT(*) FROM chats`) != 0 {
		t.Fatalf("rejected turn must not create a chat")
	}

	srv.fund(t, "carol@example.com", 1)
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", body, authHeader)
	assertStatus(t, resp, http.StatusOK)

	body["id"] = "chat-y"
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", body, authHeader)
	assertStatus(t, resp, http.StatusPaymentRequired)
	var errBody struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &errBody)
	if !strings.Contains(errBody.Error, "Insufficient credits") {
		t.Fatalf("unexpected error body: %s", resp.Body.String())
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"id":       "chat-z",
		"messages": []map[string]any{{"role": "assistant", "content": "hi"}},
	}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestChatStreamErrorEmitsErrorEvent(t *testing.T) {
	srv := newTestServer(t)
	_, authHeader := registerAndLogin(t, srv.router, "dan@example.com")
	srv.fund(t, "dan@example.com", 1)
	srv.completer.streamErr = fmt.Errorf("provider down")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"id":       "chat-err",
		"messages": []map[string]any{{"id": "u-1", "role": "user", "content": "hello"}},
	}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %+v", events)
	}
	if n := srv.count(t, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, "chat-err"); n != 1 {
		t.Fatalf("expected only the user message stored, got %d", n)
	}
}

func TestDeleteChat(t *testing.T) {
	srv := newTestServer(t)
	ownerID, ownerHeader := registerAndLogin(t, srv.router, "owner@example.com")
	_, otherHeader := registerAndLogin(t, srv.router, "other@example.com")

	project, err := srv.assistant.DefaultProject(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("default project: %v", err)
	}
	if _, err := srv.assistant.CreateChat(context.Background(), models.Chat{
		ID: "chat-del", ProjectID: project.ID, UserID: ownerID, Title: models.PlaceholderTitle,
	}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat", nil, ownerHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat?id=missing", nil, ownerHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat?id=chat-del", nil, otherHeader), http.StatusUnauthorized)

	resp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat?id=chat-del", nil, ownerHeader)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "Chat deleted") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if srv.count(t, `SELECT COUNT(*) FROM chats WHERE id = ?`, "chat-del") != 0 {
		t.Fatalf("chat should be gone")
	}
}

func TestTruncateChatMessages(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router, "trunc@example.com")
	ctx := context.Background()
	project, err := srv.assistant.DefaultProject(ctx, userID)
	if err != nil {
		t.Fatalf("default project: %v", err)
	}
	if _, err := srv.assistant.CreateChat(ctx, models.Chat{ID: "chat-t", ProjectID: project.ID, UserID: userID, Title: "t"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	first := &models.Message{ID: "a", ChatID: "chat-t", Role: models.RoleUser, Parts: models.TextParts("one")}
	if err := srv.assistant.SaveMessages(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	cut := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	second := &models.Message{ID: "b", ChatID: "chat-t", Role: models.RoleAssistant, Parts: models.TextParts("two")}
	if err := srv.assistant.SaveMessages(ctx, second); err != nil {
		t.Fatalf("save: %v", err)
	}

	bad := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/chat-t/messages?after=yesterday", nil, authHeader)
	assertStatus(t, bad, http.StatusBadRequest)

	resp := doJSONRequest(t, srv.router, http.MethodDelete,
		"/api/chat/chat-t/messages?after="+url.QueryEscape(cut.Format(time.RFC3339Nano)), nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if n := srv.count(t, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, "chat-t"); n != 1 {
		t.Fatalf("expected one message left, got %d", n)
	}
}

func TestProjectEndpoints(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router, "proj@example.com")

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/projects", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var projects []models.Project
	decodeJSON(t, listResp.Body.Bytes(), &projects)
	if len(projects) != 1 || projects[0].Name != assistant.DefaultProjectName || !projects[0].IsDefault {
		t.Fatalf("expected the default project, got %s", listResp.Body.String())
	}
	defaultID := projects[0].ID

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/projects",
		map[string]any{"name": "   "}, authHeader), http.StatusBadRequest)

	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/projects",
		map[string]any{"name": "Career", "description": "job search"}, authHeader)
	assertStatus(t, createResp, http.StatusOK)
	var created models.Project
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.ID == "" || created.IsDefault {
		t.Fatalf("unexpected project: %s", createResp.Body.String())
	}

	updResp := doJSONRequest(t, srv.router, http.MethodPut, "/api/projects/"+created.ID,
		map[string]any{"name": "Career 2"}, authHeader)
	assertStatus(t, updResp, http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut, "/api/projects/nope",
		map[string]any{"name": "x"}, authHeader), http.StatusNotFound)

	del := doJSONRequest(t, srv.router, http.MethodDelete, "/api/projects",
		map[string]any{"projectIds": []string{defaultID}}, authHeader)
	assertStatus(t, del, http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, "/api/projects",
		map[string]any{"projectIds": []string{}}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, "/api/projects",
		map[string]any{"projectIds": []string{created.ID}}, authHeader), http.StatusOK)

	// only projects with chats count as recent
	if _, err := srv.assistant.CreateChat(context.Background(), models.Chat{
		ID: "chat-recent", ProjectID: defaultID, UserID: userID, Title: "r",
	}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	recentResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/projects/recent", nil, authHeader)
	assertStatus(t, recentResp, http.StatusOK)
	var recent []models.RecentProject
	decodeJSON(t, recentResp.Body.Bytes(), &recent)
	if len(recent) != 1 || recent[0].ID != defaultID || recent[0].ChatCount != 1 {
		t.Fatalf("unexpected recent projects: %s", recentResp.Body.String())
	}
}

func TestFileEndpoints(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router, "files@example.com")
	project, err := srv.assistant.DefaultProject(context.Background(), userID)
	if err != nil {
		t.Fatalf("default project: %v", err)
	}
	base := "/api/projects/" + project.ID + "/files"

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base,
		map[string]any{"title": " ", "content": "x"}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/projects/unknown/files", nil, authHeader), http.StatusNotFound)

	createResp := doJSONRequest(t, srv.router, http.MethodPost, base,
		map[string]any{"title": "Goals", "content": strings.Repeat("I want to run a marathon. ", 60)}, authHeader)
	assertStatus(t, createResp, http.StatusOK)
	var doc models.Document
	decodeJSON(t, createResp.Body.Bytes(), &doc)
	if doc.ID == 0 || doc.Title != "Goals" {
		t.Fatalf("unexpected document: %s", createResp.Body.String())
	}
	if n := srv.count(t, `SELECT COUNT(*) FROM document_sections WHERE document_id = ?`, doc.ID); n != 2 {
		t.Fatalf("expected 2 sections, got %d", n)
	}

	updResp := doJSONRequest(t, srv.router, http.MethodPut, fmt.Sprintf("%s/%d", base, doc.ID),
		map[string]any{"title": "Goals v2", "content": "Short now."}, authHeader)
	assertStatus(t, updResp, http.StatusOK)
	if n := srv.count(t, `SELECT COUNT(*) FROM document_sections WHERE document_id = ?`, doc.ID); n != 1 {
		t.Fatalf("expected sections replaced, got %d", n)
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut, base+"/abc",
		map[string]any{"title": "x"}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut, base+"/9999",
		map[string]any{"title": "x", "content": "y"}, authHeader), http.StatusNotFound)

	uploadResp := doMultipartUpload(t, srv.router, base+"/upload", "notes.txt", []byte("Plain text notes."), authHeader)
	assertStatus(t, uploadResp, http.StatusCreated)
	var uploaded models.Document
	decodeJSON(t, uploadResp.Body.Bytes(), &uploaded)
	if uploaded.Title != "notes" {
		t.Fatalf("expected title from file name, got %q", uploaded.Title)
	}
	binary := doMultipartUpload(t, srv.router, base+"/upload", "pic.png", []byte("\x89PNG\r\n\x1a\n\x00\x00"), authHeader)
	assertStatus(t, binary, http.StatusBadRequest)

	listResp := doJSONRequest(t, srv.router, http.MethodGet, base, nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var docs []models.Document
	decodeJSON(t, listResp.Body.Bytes(), &docs)
	if len(docs) != 2 {
		t.Fatalf("expected 2 files, got %d", len(docs))
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, base,
		map[string]any{"fileIds": []int64{}}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, base,
		map[string]any{"fileIds": []int64{doc.ID, uploaded.ID}}, authHeader), http.StatusOK)
	if n := srv.count(t, `SELECT COUNT(*) FROM documents WHERE project_id = ?`, project.ID); n != 0 {
		t.Fatalf("expected files deleted, %d left", n)
	}
}

func TestUpdateFileChecksOwnershipBeforeEmbedding(t *testing.T) {
	srv := newTestServer(t)
	ownerID, ownerAuth := registerAndLogin(t, srv.router, "owner-files@example.com")
	otherID, otherAuth := registerAndLogin(t, srv.router, "other-files@example.com")
	ctx := context.Background()
	project, err := srv.assistant.DefaultProject(ctx, ownerID)
	if err != nil {
		t.Fatalf("default project: %v", err)
	}
	otherProject, err := srv.assistant.DefaultProject(ctx, otherID)
	if err != nil {
		t.Fatalf("default project: %v", err)
	}

	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/projects/"+project.ID+"/files",
		map[string]any{"title": "Private", "content": "Owner notes."}, ownerAuth)
	assertStatus(t, createResp, http.StatusOK)
	var doc models.Document
	decodeJSON(t, createResp.Body.Bytes(), &doc)

	before := srv.embedder.calls.Load()
	body := map[string]any{"title": "Hijack", "content": strings.Repeat("overwrite ", 400)}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut,
		fmt.Sprintf("/api/projects/%s/files/%d", project.ID, doc.ID), body, otherAuth), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut,
		fmt.Sprintf("/api/projects/%s/files/%d", otherProject.ID, doc.ID), body, otherAuth), http.StatusNotFound)
	if got := srv.embedder.calls.Load(); got != before {
		t.Fatalf("expected no embedding for rejected updates, got %d calls", got-before)
	}

	stored, err := srv.assistant.GetDocument(ctx, ownerID, project.ID, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if stored.Title != "Private" || stored.Content != "Owner notes." {
		t.Fatalf("document changed: %+v", stored)
	}
}

func TestCreditsAndPricing(t *testing.T) {
	srv := newTestServer(t)
	_, authHeader := registerAndLogin(t, srv.router, "credits@example.com")

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/credits", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Credits int64 `json:"credits"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Credits != 0 {
		t.Fatalf("expected zero credits without a row, got %d", body.Credits)
	}

	srv.fund(t, "credits@example.com", 42)
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/credits", nil, authHeader)
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Credits != 42 {
		t.Fatalf("expected 42 credits, got %d", body.Credits)
	}

	ledgerResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/credits/transactions", nil, authHeader)
	assertStatus(t, ledgerResp, http.StatusOK)
	var ledger struct {
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	decodeJSON(t, ledgerResp.Body.Bytes(), &ledger)
	if len(ledger.Transactions) != 1 || ledger.Transactions[0].Amount != 42 || ledger.Transactions[0].Description != "seed" {
		t.Fatalf("unexpected ledger: %+v", ledger.Transactions)
	}

	pricing := doJSONRequest(t, srv.router, http.MethodGet, "/api/pricing", nil, nil)
	assertStatus(t, pricing, http.StatusOK)
	var tiers struct {
		Tiers []billing.Tier `json:"tiers"`
	}
	decodeJSON(t, pricing.Body.Bytes(), &tiers)
	if len(tiers.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(tiers.Tiers))
	}
}

func TestHitPayCheckout(t *testing.T) {
	srv := newTestServer(t)
	_, authHeader := registerAndLogin(t, srv.router, "buyer@example.com")

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/checkout/hitpay",
		map[string]any{}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/checkout/hitpay",
		map[string]any{"tierId": "platinum"}, authHeader), http.StatusBadRequest)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/checkout/hitpay",
		map[string]any{"tierId": "transformation"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		CheckoutURL      string `json:"checkoutUrl"`
		PaymentRequestID string `json:"paymentRequestId"`
		TierInfo         struct {
			Name    string  `json:"name"`
			Credits int64   `json:"credits"`
			Amount  float64 `json:"amount"`
		} `json:"tierInfo"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.CheckoutURL != "https://checkout.example/pr_123" || body.PaymentRequestID != "pr_123" {
		t.Fatalf("unexpected checkout response: %s", resp.Body.String())
	}
	if body.TierInfo.Name != "Transformation" || body.TierInfo.Credits != 22500 || body.TierInfo.Amount != 200 {
		t.Fatalf("unexpected tier info: %+v", body.TierInfo)
	}
}

func TestHitPayWebhookCreditsOnce(t *testing.T) {
	srv := newTestServer(t)
	values := url.Values{}
	values.Set("payment_id", "pay_1")
	values.Set("payment_request_id", "pr_1")
	values.Set("reference_number", "hooked@example.com")
	values.Set("amount", "20.00")
	values.Set("currency", "USD")
	values.Set("status", "completed")
	values.Set("hmac", payments.SignHitPay(values, testHitPaySalt))

	for i := 0; i < 2; i++ {
		resp := doFormRequest(t, srv.router, "/api/webhook/hitpay", values.Encode())
		assertStatus(t, resp, http.StatusOK)
		if !strings.Contains(resp.Body.String(), "Webhook processed successfully") {
			t.Fatalf("unexpected body: %s", resp.Body.String())
		}
	}
	if got := srv.balance(t, "hooked@example.com"); got != 2000 {
		t.Fatalf("expected 2000 credits once, got %d", got)
	}

	values.Set("amount", "500.00")
	resp := doFormRequest(t, srv.router, "/api/webhook/hitpay", values.Encode())
	assertStatus(t, resp, http.StatusUnauthorized)
	if !strings.Contains(resp.Body.String(), "Invalid signature") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestPaddleWebhook(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"event_id":"evt_1","event_type":"transaction.paid","data":{"id":"txn_1","customer_id":"ctm_1"}}`)

	missing := doRawRequest(t, srv.router, "/api/webhook", body, nil)
	assertStatus(t, missing, http.StatusBadRequest)

	bad := doRawRequest(t, srv.router, "/api/webhook", body, map[string]string{"Paddle-Signature": "ts=1;h1=deadbeef"})
	assertStatus(t, bad, http.StatusUnauthorized)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := "ts=" + ts + ";h1=" + payments.SignPaddle(ts, body, testPaddleSecret)
	ok := doRawRequest(t, srv.router, "/api/webhook", body, map[string]string{"Paddle-Signature": sig})
	assertStatus(t, ok, http.StatusOK)
	var res struct {
		Status    int    `json:"status"`
		EventName string `json:"eventName"`
	}
	decodeJSON(t, ok.Body.Bytes(), &res)
	if res.Status != http.StatusOK || res.EventName != "transaction.paid" {
		t.Fatalf("unexpected paddle response: %s", ok.Body.String())
	}
	if got := srv.balance(t, "ctm_1"); got != 100 {
		t.Fatalf("expected 100 credits, got %d", got)
	}

	replayBody := []byte(`{"event_id":"evt_2","event_type":"transaction.paid","data":{"id":"txn_2","customer_id":"ctm_1"}}`)
	old := "1700000000"
	replay := doRawRequest(t, srv.router, "/api/webhook", replayBody, map[string]string{"Paddle-Signature": "ts=" + old + ";h1=" + payments.SignPaddle(old, replayBody, testPaddleSecret)})
	assertStatus(t, replay, http.StatusUnauthorized)
	if got := srv.balance(t, "ctm_1"); got != 100 {
		t.Fatalf("replayed signature credited: %d", got)
	}
}

func TestAuthAndCSRF(t *testing.T) {
	srv := newTestServer(t)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/projects", nil, nil), http.StatusUnauthorized)

	_, authHeader := registerAndLogin(t, srv.router, "cookie@example.com")
	token := strings.TrimPrefix(authHeader["Authorization"], "Bearer ")
	cookieOnly := map[string]string{"Cookie": "auth_token=" + token}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/projects", nil, cookieOnly), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/projects",
		map[string]any{"name": "x"}, cookieOnly), http.StatusForbidden)

	withCSRF := map[string]string{
		"Cookie":       "auth_token=" + token + "; csrf_token=abc",
		"X-CSRF-Token": "abc",
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/projects",
		map[string]any{"name": "x"}, withCSRF), http.StatusOK)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/users/logout", nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/projects", nil, authHeader), http.StatusUnauthorized)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	srv := newTestServer(t)
	registerAndLogin(t, srv.router, "dup@example.com")
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    "dup@example.com",
		"password": "pass123",
	}, nil)
	assertStatus(t, resp, http.StatusConflict)

	wrong := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    "dup@example.com",
		"password": "nope",
	}, nil)
	assertStatus(t, wrong, http.StatusUnauthorized)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doFormRequest(t *testing.T, router *gin.Engine, path, form string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, router *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doMultipartUpload(t *testing.T, router *gin.Engine, path, filename string, content []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func registerAndLogin(t *testing.T, router *gin.Engine, email string) (int64, map[string]string) {
	t.Helper()
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
	return regBody.ID, authHeader
}
