// Package backup implements the optional backup-group mirror (spec
// §4.5 step 7): every relayed message is additionally copied, best
// effort, into a second operator chat so no message is lost to a
// single forum group.
package backup

import (
	"context"
	"fmt"

	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

// Client is the subset of *telegram.Client the mirror needs.
type Client interface {
	CopyMessage(chatID int64, threadID int, fromChatID int64, messageID int) (int, error)
}

// Mirror copies every relayed message into a fixed backup chat. A zero
// groupID disables the mirror; New still returns a usable value so
// callers don't need a nil check at the relay.BackupMirror call site.
type Mirror struct {
	client  Client
	groupID int64
}

func New(client Client, groupID int64) *Mirror {
	return &Mirror{client: client, groupID: groupID}
}

// Mirror implements relay.BackupMirror.
func (m *Mirror) Mirror(ctx context.Context, u *store.User, msg *telegram.ClassifiedMessage) error {
	if m.groupID == 0 {
		return nil
	}
	if _, err := m.client.CopyMessage(m.groupID, 0, msg.Raw.Chat.ID, msg.Raw.MessageID); err != nil {
		return fmt.Errorf("backup: copy message: %w", err)
	}
	return nil
}
