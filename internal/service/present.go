package service

import (
	"portalchat/internal/domain"
	"portalchat/internal/logger"
)

// ContentCipher seals message content at rest.
type ContentCipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

// presenter turns stored messages into what one viewer sees: decrypted
// content and a read flag relative to that viewer.
type presenter struct {
	cipher ContentCipher
	log    logger.Logger
}

func (p presenter) message(m *domain.Message, viewerID int64, parts []*domain.ConversationParticipant) *domain.Message {
	out := *m
	if out.IsEncrypted && !out.IsDeleted && p.cipher != nil {
		plain, err := p.cipher.Decrypt(out.Content)
		if err != nil {
			p.log.Warn("decrypt message", "message_id", m.ID, "error", err)
			plain = ""
		}
		out.Content = plain
	}
	out.IsRead = isRead(&out, viewerID, parts)
	return &out
}

// isRead: another sender's message is read once the viewer's cursor covers
// it; the viewer's own message once every other participant's cursor does.
func isRead(m *domain.Message, viewerID int64, parts []*domain.ConversationParticipant) bool {
	if m.SenderID != viewerID {
		for _, p := range parts {
			if p.UserID == viewerID {
				return p.LastReadSeq >= m.Seq
			}
		}
		return false
	}
	for _, p := range parts {
		if p.UserID != viewerID && p.LastReadSeq < m.Seq {
			return false
		}
	}
	return true
}

func participantIDs(parts []*domain.ConversationParticipant) []int64 {
	ids := make([]int64, len(parts))
	for i, p := range parts {
		ids[i] = p.UserID
	}
	return ids
}

func findParticipant(parts []*domain.ConversationParticipant, userID int64) *domain.ConversationParticipant {
	for _, p := range parts {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}
