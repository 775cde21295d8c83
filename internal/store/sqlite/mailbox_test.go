package sqlite_test

import (
	"context"
	"testing"
	"time"

	"mailpipeline/internal/model"
	"mailpipeline/internal/testutil"
)

func TestUpsertMessageByExternalUIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	in := model.MessageInput{
		Subject:           "Proposta",
		SenderEmail:       "ana@example.com",
		To:                []string{"vendas@example.com"},
		InternetMessageID: "<abc@example.com>",
		Snippet:           "primeira versão",
	}
	id1, created, err := s.UpsertMessageByExternalUID(ctx, 1, "101", in)
	if err != nil || !created {
		t.Fatalf("first upsert = %d, %v, %v", id1, created, err)
	}

	in.Snippet = "segunda versão"
	id2, created, err := s.UpsertMessageByExternalUID(ctx, 1, "101", in)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created || id2 != id1 {
		t.Fatalf("second upsert created=%v id=%d, want update of %d", created, id2, id1)
	}

	msg, err := s.FindMessageByExternalUID(ctx, 1, "101")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if msg.Snippet != "segunda versão" || len(msg.To) != 1 || msg.To[0] != "vendas@example.com" {
		t.Fatalf("message not updated: %+v", msg)
	}

	// same uid on another account is a different message
	if _, created, _ := s.UpsertMessageByExternalUID(ctx, 2, "101", model.MessageInput{SenderEmail: "x@example.com"}); !created {
		t.Fatal("uid must be scoped per account")
	}
}

func TestAssignExternalUIDToLocallyComposedMessage(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	id, err := s.InsertMessage(ctx, 1, model.MessageInput{
		Direction:         model.Outbound,
		Status:            "sent",
		SenderEmail:       "me@example.com",
		InternetMessageID: "<local-1@example.com>",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := s.FindMessageByInternetMessageID(ctx, 1, "<local-1@example.com>")
	if err != nil || found.ID != id {
		t.Fatalf("find by message-id = %+v, %v", found, err)
	}

	if err := s.AssignExternalUID(ctx, id, "77", model.MessageInput{
		Direction:         model.Outbound,
		Status:            "sent",
		SenderEmail:       "me@example.com",
		InternetMessageID: "<local-1@example.com>",
	}); err != nil {
		t.Fatalf("assign uid: %v", err)
	}

	_, created, err := s.UpsertMessageByExternalUID(ctx, 1, "77", model.MessageInput{SenderEmail: "me@example.com", InternetMessageID: "<local-1@example.com>"})
	if err != nil || created {
		t.Fatalf("upsert after assignment created=%v err=%v", created, err)
	}
}

func TestTouchThreadUnreadNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	id, err := s.CreateThread(ctx, model.Thread{AccountID: 1, Subject: "Orçamento"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	tests := []struct {
		delta int
		want  int
	}{
		{delta: 2, want: 2},
		{delta: -1, want: 1},
		{delta: -5, want: 0},
		{delta: -1, want: 0},
		{delta: 3, want: 3},
		{delta: -3, want: 0},
	}
	for _, tt := range tests {
		if err := s.TouchThread(ctx, id, model.ThreadTouch{UnreadDelta: tt.delta}); err != nil {
			t.Fatalf("touch %d: %v", tt.delta, err)
		}
		th, _ := s.FindThread(ctx, id)
		if th.UnreadCount != tt.want {
			t.Fatalf("after delta %d unread = %d, want %d", tt.delta, th.UnreadCount, tt.want)
		}
	}
}

func TestTouchThreadPartialUpdate(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	folder, err := s.UpsertFolder(ctx, 1, "INBOX", "Inbox", model.FolderInbox)
	if err != nil {
		t.Fatalf("upsert folder: %v", err)
	}
	id, _ := s.CreateThread(ctx, model.Thread{AccountID: 1, Subject: "Contrato", Snippet: "antigo"})

	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	snippet := "novo trecho"
	err = s.TouchThread(ctx, id, model.ThreadTouch{Snippet: &snippet, FolderID: &folder.ID, LastMessageAt: &at})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}

	th, _ := s.FindThread(ctx, id)
	if th.Subject != "Contrato" || th.Snippet != snippet {
		t.Fatalf("subject/snippet = %q/%q", th.Subject, th.Snippet)
	}
	if th.FolderID == nil || *th.FolderID != folder.ID || th.LastMessageAt == nil || !th.LastMessageAt.Equal(at) {
		t.Fatalf("folder/last_message_at not applied: %+v", th)
	}
}

func TestFolderUpsertAndUnreadClamp(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	f1, err := s.UpsertFolder(ctx, 1, "INBOX", "Inbox", model.FolderInbox)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f2, err := s.UpsertFolder(ctx, 1, "INBOX", "Caixa de entrada", model.FolderInbox)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if f1.ID != f2.ID || f2.DisplayName != "Caixa de entrada" {
		t.Fatalf("folder upsert duplicated or not updated: %+v %+v", f1, f2)
	}

	s.AdjustFolderUnread(ctx, f1.ID, 1)
	s.AdjustFolderUnread(ctx, f1.ID, -4)
	if err := s.MarkFolderSynced(ctx, f1.ID, "42"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	got, _ := s.FindFolderByRemoteName(ctx, 1, "INBOX")
	if got.UnreadCount != 0 || got.SyncToken != "42" || got.LastSyncedAt == nil {
		t.Fatalf("folder = %+v", got)
	}
}

func TestFindThreadBySubjectPrefersMostRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := testutil.NewTestStoreAt(t, clock)

	older, _ := s.CreateThread(ctx, model.Thread{AccountID: 1, Subject: "Reunião"})
	clock.Advance(time.Hour)
	newer, _ := s.CreateThread(ctx, model.Thread{AccountID: 1, Subject: "Reunião"})
	clock.Advance(time.Hour)

	th, err := s.FindThreadBySubject(ctx, 1, "Reunião")
	if err != nil || th.ID != newer {
		t.Fatalf("got %+v, %v; want thread %d", th, err, newer)
	}

	s.TouchThread(ctx, older, model.ThreadTouch{UnreadDelta: 1})
	th, _ = s.FindThreadBySubject(ctx, 1, "Reunião")
	if th.ID != older {
		t.Fatalf("touched thread %d should win, got %d", older, th.ID)
	}
}

func TestMarkThreadMessagesRead(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	threadID, _ := s.CreateThread(ctx, model.Thread{AccountID: 1, Subject: "Suporte"})
	var ids []int64
	for i, dir := range []model.Direction{model.Inbound, model.Inbound, model.Outbound, model.Inbound} {
		id, _, err := s.UpsertMessageByExternalUID(ctx, 1, string(rune('a'+i)), model.MessageInput{
			ThreadID:    &threadID,
			Direction:   dir,
			SenderEmail: "c@example.com",
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		ids = append(ids, id)
	}

	n, err := s.MarkThreadMessagesRead(ctx, threadID, &ids[1])
	if err != nil || n.Total() != 2 || n[0] != 2 {
		t.Fatalf("first mark = %v, %v; want 2 without folder", n, err)
	}
	n, _ = s.MarkThreadMessagesRead(ctx, threadID, nil)
	if n.Total() != 1 {
		t.Fatalf("second mark = %v, want 1", n)
	}
	n, _ = s.MarkThreadMessagesRead(ctx, threadID, nil)
	if n.Total() != 0 {
		t.Fatalf("third mark = %v, want 0", n)
	}
}

func TestReplaceParticipantsLowercasesAndReplaces(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	id, _ := s.InsertMessage(ctx, 1, model.MessageInput{SenderEmail: "a@example.com"})
	err := s.ReplaceParticipants(ctx, id, []model.Participant{
		{Role: model.RoleFrom, Name: "Ana", Email: "Ana@Example.COM"},
		{Role: model.RoleTo, Email: "bob@example.com"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	err = s.ReplaceParticipants(ctx, id, []model.Participant{
		{Role: model.RoleFrom, Name: "Ana", Email: "ANA@example.com"},
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}

	got, _ := s.ListParticipants(ctx, id)
	if len(got) != 1 || got[0].Email != "ana@example.com" {
		t.Fatalf("participants = %+v", got)
	}
}
