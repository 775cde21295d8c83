package mailbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

type Threads struct {
	store  store.MailboxStore
	logger *zap.Logger
}

func NewThreads(s store.MailboxStore, logger *zap.Logger) *Threads {
	return &Threads{store: s, logger: logger}
}

// MarkRead marks the thread's unread inbound messages read, optionally only
// those up to upToMessageID. The thread counter drops by the total and each
// folder counter by the messages that sat in that folder. It returns the
// number of messages changed.
func (t *Threads) MarkRead(ctx context.Context, threadID int64, upToMessageID *int64) (int, error) {
	var changed int
	err := t.store.InMailboxTx(ctx, func(tx store.MailboxStore) error {
		if _, err := tx.FindThread(ctx, threadID); err != nil {
			return err
		}
		counts, err := tx.MarkThreadMessagesRead(ctx, threadID, upToMessageID)
		if err != nil {
			return err
		}
		if changed = counts.Total(); changed == 0 {
			return nil
		}
		if err := tx.TouchThread(ctx, threadID, model.ThreadTouch{UnreadDelta: -changed}); err != nil {
			return err
		}
		for folderID, n := range counts {
			if folderID == 0 {
				continue
			}
			if err := tx.AdjustFolderUnread(ctx, folderID, -n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark thread %d read: %w", threadID, err)
	}

	if changed > 0 {
		t.logger.Debug("Thread marked read",
			zap.Int64("thread_id", threadID),
			zap.Int("messages", changed),
		)
	}
	return changed, nil
}
