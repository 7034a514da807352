package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/model"
)

func newTestSession(t *testing.T, svc *fakeService, notes Notifier) (*ChatSession, *model.AnalysisRecord) {
	t.Helper()
	rec, err := svc.completedRecord(context.Background(), `{"hook":"0:03"}`)
	if err != nil {
		t.Fatalf("completedRecord: %v", err)
	}
	s, err := NewChatSession(rec, svc, notes, logging.Discard())
	if err != nil {
		t.Fatalf("NewChatSession: %v", err)
	}
	return s, rec
}

func TestChatTurnAppendsAndPersists(t *testing.T) {
	svc := newFakeService()
	svc.reply = "At 0:03."
	s, rec := newTestSession(t, svc, nil)

	history, err := s.Send(context.Background(), "  Where is the hook?  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != model.RoleUser || history[0].Message != "Where is the hook?" {
		t.Fatalf("user entry = %+v", history[0])
	}
	if history[1].Role != model.RoleAssistant || history[1].Message != "At 0:03." {
		t.Fatalf("assistant entry = %+v", history[1])
	}
	if !history[1].Timestamp.After(history[0].Timestamp) {
		t.Fatalf("timestamps out of order: %v", history)
	}
	if len(svc.chatGot) != 1 || len(svc.chatGot[0]) != 0 {
		t.Fatalf("chat service saw history %v", svc.chatGot)
	}

	stored, _ := svc.store.Get(context.Background(), rec.ID)
	if len(stored.ChatHistory) != 2 || !stored.ChatHistory[1].Same(history[1]) {
		t.Fatalf("stored history = %+v", stored.ChatHistory)
	}
	if stored.Status != model.StatusCompleted || string(stored.AnalysisData) != `{"hook":"0:03"}` {
		t.Fatalf("chat touched analysis fields: %+v", stored)
	}
	if s.Version() != 1 || s.Loading() {
		t.Fatalf("version = %d loading = %v", s.Version(), s.Loading())
	}
}

func TestChatFailureKeepsUserMessage(t *testing.T) {
	svc := newFakeService()
	svc.chatErr = errRemote
	notes := &recordingNotifier{}
	s, rec := newTestSession(t, svc, notes)

	history, err := s.Send(context.Background(), "Where is the hook?")
	if !errors.Is(err, errRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	var chatErr *ChatError
	if !errors.As(err, &chatErr) || chatErr.Op != "send chat turn" {
		t.Fatalf("expected *ChatError, got %T", err)
	}
	if len(history) != 1 || history[0].Role != model.RoleUser {
		t.Fatalf("history = %+v", history)
	}
	if svc.persists != 0 {
		t.Fatalf("persisted after failed turn")
	}
	if notes.count(LevelError) != 1 {
		t.Fatalf("notifications = %+v", notes.all())
	}

	// The next successful turn carries the orphaned message with it.
	svc.chatErr = nil
	svc.reply = "At 0:03."
	history, err = s.Send(context.Background(), "And the CTA?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %+v", history)
	}
	if len(svc.chatGot[1]) != 1 {
		t.Fatalf("second turn context = %+v", svc.chatGot[1])
	}
	stored, _ := svc.store.Get(context.Background(), rec.ID)
	if len(stored.ChatHistory) != 3 {
		t.Fatalf("stored history = %+v", stored.ChatHistory)
	}
}

func TestChatEmptyReplyIsFailure(t *testing.T) {
	svc := newFakeService()
	svc.reply = "   "
	s, _ := newTestSession(t, svc, nil)

	history, err := s.Send(context.Background(), "hello")
	if !errors.Is(err, ErrEmptyReply) || len(history) != 1 {
		t.Fatalf("err = %v history = %+v", err, history)
	}
}

func TestChatRejectsBadMessages(t *testing.T) {
	svc := newFakeService()
	s, _ := newTestSession(t, svc, nil)

	if _, err := s.Send(context.Background(), " \n\t"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := s.Send(context.Background(), strings.Repeat("é", MaxMessageLength+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if len(s.History()) != 0 || len(svc.chatGot) != 0 {
		t.Fatalf("rejected messages reached the session")
	}

	svc.reply = "ok"
	if _, err := s.Send(context.Background(), strings.Repeat("é", MaxMessageLength)); err != nil {
		t.Fatalf("message at the limit rejected: %v", err)
	}
}

func TestChatRequiresCompletedAnalysis(t *testing.T) {
	svc := newFakeService()
	rec, _ := svc.store.Create(context.Background(), "clip.mp4", 1, 1)
	if _, err := NewChatSession(rec, svc, nil, logging.Discard()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := NewChatSession(nil, svc, nil, logging.Discard()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for nil record, got %v", err)
	}
}

func TestChatSingleFlightPerRecord(t *testing.T) {
	svc := newFakeService()
	svc.reply = "At 0:03."
	s, rec := newTestSession(t, svc, nil)
	other, err := NewChatSession(rec, svc, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewChatSession: %v", err)
	}

	var secondErr error
	svc.onChat = func() {
		if !s.Loading() {
			t.Errorf("session not loading during turn")
		}
		_, secondErr = s.Send(context.Background(), "again")
		if !errors.Is(secondErr, ErrChatInFlight) {
			return
		}
		_, secondErr = other.Send(context.Background(), "from another view")
	}

	if _, err := s.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !errors.Is(secondErr, ErrChatInFlight) {
		t.Fatalf("expected ErrChatInFlight, got %v", secondErr)
	}
	if len(svc.chatGot) != 1 {
		t.Fatalf("chat service called %d times", len(svc.chatGot))
	}

	svc.onChat = nil
	if _, err := s.Send(context.Background(), "after"); err != nil {
		t.Fatalf("guard not released: %v", err)
	}
}

func TestChatMergesOnVersionConflict(t *testing.T) {
	svc := newFakeService()
	svc.reply = "At 0:03."
	s, rec := newTestSession(t, svc, nil)

	// Another writer saves a turn after this session loaded the record. Its
	// clock runs ahead of ours.
	ahead := time.Now().UTC().Add(time.Hour)
	remote := []model.ChatMessage{
		{Role: model.RoleUser, Message: "What is the CTA?", Timestamp: ahead},
		{Role: model.RoleAssistant, Message: "Subscribe.", Timestamp: ahead.Add(time.Second)},
	}
	if _, err := svc.store.SaveHistory(context.Background(), rec.ID, remote, 0); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	history, err := s.Send(context.Background(), "Where is the hook?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if svc.persists != 2 {
		t.Fatalf("persist attempts = %d, want 2", svc.persists)
	}
	if len(history) != 4 || !history[0].Same(remote[0]) || history[3].Message != "At 0:03." {
		t.Fatalf("merged history = %+v", history)
	}
	stored, _ := svc.store.Get(context.Background(), rec.ID)
	if len(stored.ChatHistory) != 4 || stored.HistoryVersion != 2 || s.Version() != 2 {
		t.Fatalf("stored = %+v session version = %d", stored.ChatHistory, s.Version())
	}
	for i := 1; i < len(stored.ChatHistory); i++ {
		if !stored.ChatHistory[i].Timestamp.After(stored.ChatHistory[i-1].Timestamp) {
			t.Fatalf("timestamps out of order at %d: %+v", i, stored.ChatHistory)
		}
	}
	for i := range history {
		if !history[i].Same(stored.ChatHistory[i]) {
			t.Fatalf("local view differs from stored at %d: %+v vs %+v", i, history[i], stored.ChatHistory[i])
		}
	}

	// The next turn continues after the merged entries.
	history, err = s.Send(context.Background(), "And the CTA?")
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if len(history) != 6 || !history[4].Timestamp.After(history[3].Timestamp) {
		t.Fatalf("history after second turn = %+v", history)
	}
}

func TestMergeHistorySkipsKnownEntries(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := model.ChatMessage{Role: model.RoleUser, Message: "a", Timestamp: ts}
	b := model.ChatMessage{Role: model.RoleAssistant, Message: "b", Timestamp: ts.Add(time.Second)}
	c := model.ChatMessage{Role: model.RoleUser, Message: "c", Timestamp: ts.Add(2 * time.Second)}

	got := mergeHistory([]model.ChatMessage{a, b}, []model.ChatMessage{a, c})
	if len(got) != 3 || !got[2].Same(c) {
		t.Fatalf("merged = %+v", got)
	}
}

func TestMergeHistoryRestampsOlderLocalEntries(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	remote := []model.ChatMessage{
		{Role: model.RoleUser, Message: "r1", Timestamp: ts.Add(10 * time.Second)},
		{Role: model.RoleAssistant, Message: "r2", Timestamp: ts.Add(11 * time.Second)},
	}
	local := []model.ChatMessage{
		{Role: model.RoleUser, Message: "l1", Timestamp: ts},
		{Role: model.RoleAssistant, Message: "l2", Timestamp: ts.Add(time.Second)},
		{Role: model.RoleUser, Message: "l3", Timestamp: ts.Add(time.Minute)},
	}
	got := mergeHistory(remote, local)
	want := []time.Time{
		ts.Add(10 * time.Second),
		ts.Add(11 * time.Second),
		ts.Add(11*time.Second + time.Millisecond),
		ts.Add(11*time.Second + 2*time.Millisecond),
		ts.Add(time.Minute),
	}
	if len(got) != len(want) {
		t.Fatalf("merged = %+v", got)
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i]) {
			t.Fatalf("entry %d at %s, want %s", i, got[i].Timestamp, want[i])
		}
	}
	if local[0].Timestamp != ts {
		t.Fatalf("input slice was modified")
	}
}
