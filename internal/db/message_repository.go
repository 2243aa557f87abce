package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/models"
)

// Message repository errors.
var (
	ErrForbidden     = errors.New("conversation not accessible")
	ErrInvalidSearch = errors.New("search term is required")
)

// visibleCTE selects every message ?1 may see, with a per-user read flag.
// Senders have always read their own messages.
const visibleCTE = `WITH visible AS (
	SELECT m.seq, m.id, m.conv_key, m.type, m.sender_id, m.recipient_id, m.community_id,
		m.content, m.images_json, m.created_at,
		CASE WHEN m.sender_id = ?1 OR r.message_id IS NOT NULL THEN 1 ELSE 0 END AS is_read
	FROM messages m
	LEFT JOIN message_reads r ON r.message_id = m.id AND r.user_id = ?1
	WHERE m.type = 'general'
		OR (m.type = 'private' AND (m.sender_id = ?1 OR m.recipient_id = ?1))
		OR (m.type = 'community' AND m.community_id IN (SELECT community_id FROM community_members WHERE user_id = ?1))
)
`

const messageColumns = `v.id, v.type, v.sender_id, v.recipient_id, v.community_id, v.content, v.images_json, v.created_at, v.is_read`

// MessagePage is one page of messages, newest first, with the number of
// messages matching the query.
type MessagePage struct {
	Messages []models.Message
	Total    int
}

// MessageRepository stores messages and per-user read marks.
type MessageRepository struct {
	db    *DB
	clock clock.Clock
}

// NewMessageRepository creates a MessageRepository. A nil clock uses wall time.
func NewMessageRepository(db *DB, c clock.Clock) *MessageRepository {
	if c == nil {
		c = clock.Real{}
	}
	return &MessageRepository{db: db, clock: c}
}

// Create stores msg, assigning its id and timestamp. The caller must already
// have checked the sender may post to the conversation.
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	key, err := convkey.ForMessage(*msg)
	if err != nil {
		return err
	}

	images := ""
	if len(msg.Images) > 0 {
		raw, err := json.Marshal(msg.Images)
		if err != nil {
			return fmt.Errorf("failed to encode images: %w", err)
		}
		images = string(raw)
	}

	err = r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conv_key, type, sender_id, recipient_id, community_id, content, images_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, key, string(msg.Type), msg.SenderID, msg.RecipientID, msg.CommunityID, msg.Content, images, formatTime(msg.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	msg.Read = true
	return nil
}

// CheckAccess reports ErrForbidden when userID may not read key.
func (r *MessageRepository) CheckAccess(ctx context.Context, userID, key string) error {
	parsed, err := convkey.Parse(key)
	if err != nil {
		return err
	}
	switch parsed.Type {
	case models.ConversationPrivate:
		if parsed.Participants[0] != userID && parsed.Participants[1] != userID {
			return ErrForbidden
		}
	case models.ConversationCommunity:
		ok, err := isMember(ctx, r.db, parsed.CommunityID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForbidden
		}
	}
	return nil
}

// ListConversation returns one page of key as seen by userID.
func (r *MessageRepository) ListConversation(ctx context.Context, userID, key string, page, pageSize int) (MessagePage, error) {
	if err := r.CheckAccess(ctx, userID, key); err != nil {
		return MessagePage{}, err
	}
	return r.page(ctx, `v.conv_key = ?2`, []any{userID, key}, page, pageSize)
}

// Search returns messages visible to userID whose content contains term,
// ignoring ASCII case.
func (r *MessageRepository) Search(ctx context.Context, userID, term string, filter models.TypeFilter, page, pageSize int) (MessagePage, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return MessagePage{}, ErrInvalidSearch
	}
	typ := ""
	if filter != "" && filter != models.FilterAll {
		typ = string(filter)
	}
	return r.page(ctx, `instr(lower(v.content), lower(?2)) > 0 AND (?3 = '' OR v.type = ?3)`, []any{userID, term, typ}, page, pageSize)
}

func (r *MessageRepository) page(ctx context.Context, where string, args []any, page, pageSize int) (MessagePage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	var out MessagePage
	if err := r.db.QueryRowContext(ctx,
		visibleCTE+`SELECT COUNT(*) FROM visible v WHERE `+where, args...,
	).Scan(&out.Total); err != nil {
		return MessagePage{}, fmt.Errorf("failed to count messages: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(visibleCTE+`SELECT %s FROM visible v WHERE %s ORDER BY v.seq DESC LIMIT ?%d OFFSET ?%d`,
		messageColumns, where, n+1, n+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return MessagePage{}, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		out.Messages = append(out.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}

// Summaries lists every conversation userID takes part in, most recently
// active first. Communities without messages are listed last with no last
// message.
func (r *MessageRepository) Summaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx, visibleCTE+`,
latest AS (
	SELECT conv_key, MAX(seq) AS last_seq, SUM(1 - is_read) AS unread
	FROM visible GROUP BY conv_key
)
SELECT `+messageColumns+`, l.conv_key, l.unread,
	COALESCE(pu.name, ''), COALESCE(pu.avatar_url, ''),
	COALESCE(c.name, ''), COALESCE(c.image_url, '')
FROM latest l
JOIN visible v ON v.seq = l.last_seq
LEFT JOIN users pu ON v.type = 'private'
	AND pu.id = CASE WHEN v.sender_id = ?1 THEN v.recipient_id ELSE v.sender_id END
LEFT JOIN communities c ON v.type = 'community' AND c.id = v.community_id
`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationSummary
	seen := make(map[string]struct{})
	for rows.Next() {
		var (
			sum                     models.ConversationSummary
			peerName, peerAvatar    string
			communityName, imageURL string
		)
		msg, err := scanMessage(rows, &sum.Key, &sum.Unread, &peerName, &peerAvatar, &communityName, &imageURL)
		if err != nil {
			return nil, err
		}
		sum.Type = msg.Type
		sum.LastMessage = &msg
		sum.LastActivity = msg.CreatedAt
		switch msg.Type {
		case models.ConversationPrivate:
			peer := msg.RecipientID
			if peer == userID {
				peer = msg.SenderID
			}
			sum.Peer = &models.Participant{ID: peer, Name: peerName, AvatarURL: peerAvatar}
		case models.ConversationCommunity:
			sum.Community = &models.Community{ID: msg.CommunityID, Name: communityName, ImageURL: imageURL}
		}
		seen[sum.Key] = struct{}{}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Key < out[j].Key
	})

	communities, err := NewDirectoryRepository(r.db, r.clock).ListCommunities(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range communities {
		key := convkey.MustDerive(models.ConversationCommunity, userID, c.ID)
		if _, ok := seen[key]; ok {
			continue
		}
		community := c
		out = append(out, models.ConversationSummary{Key: key, Type: models.ConversationCommunity, Community: &community})
	}
	return out, nil
}

// UnreadCounts aggregates userID's unread messages by bucket.
func (r *MessageRepository) UnreadCounts(ctx context.Context, userID string) (models.UnreadSummary, error) {
	rows, err := r.db.QueryContext(ctx, visibleCTE+`
SELECT v.type, v.community_id, SUM(1 - v.is_read) FROM visible v GROUP BY v.type, v.community_id
`, userID)
	if err != nil {
		return models.UnreadSummary{}, fmt.Errorf("failed to count unread: %w", err)
	}
	defer rows.Close()

	out := models.UnreadSummary{Communities: map[string]int{}}
	for rows.Next() {
		var (
			typ, communityID string
			n                int
		)
		if err := rows.Scan(&typ, &communityID, &n); err != nil {
			return models.UnreadSummary{}, fmt.Errorf("failed to scan unread: %w", err)
		}
		switch models.ConversationType(typ) {
		case models.ConversationPrivate:
			out.Private += n
		case models.ConversationGeneral:
			out.General += n
		case models.ConversationCommunity:
			out.Communities[communityID] += n
		}
	}
	if err := rows.Err(); err != nil {
		return models.UnreadSummary{}, fmt.Errorf("failed to read unread: %w", err)
	}
	out.Total = out.Private + out.General + out.CommunityTotal()
	return out, nil
}

// MarkRead records ids as read by userID. Unknown ids and the user's own
// messages are ignored. It returns how many marks were new.
func (r *MessageRepository) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marked := 0
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		marked = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO message_reads (user_id, message_id, read_at)
			SELECT ?1, id, ?2 FROM messages WHERE id = ?3 AND sender_id <> ?1
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := formatTime(r.clock.Now())
		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, userID, now, id)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			marked += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return marked, nil
}

// MarkConversationRead marks every message of key not sent by userID.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, userID, key string) (int, error) {
	if err := r.CheckAccess(ctx, userID, key); err != nil {
		return 0, err
	}
	marked := 0
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (user_id, message_id, read_at)
			SELECT ?1, id, ?2 FROM messages WHERE conv_key = ?3 AND sender_id <> ?1
		`, userID, formatTime(r.clock.Now()), key)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		marked = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return marked, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage reads messageColumns followed by extra destinations.
func scanMessage(row rowScanner, extra ...any) (models.Message, error) {
	var (
		msg             models.Message
		typ, images, ts string
		read            int
	)
	dest := append([]any{&msg.ID, &typ, &msg.SenderID, &msg.RecipientID, &msg.CommunityID, &msg.Content, &images, &ts, &read}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Message{}, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Type = models.ConversationType(typ)
	msg.Read = read == 1
	created, err := parseTime(ts)
	if err != nil {
		return models.Message{}, fmt.Errorf("invalid created_at for %s: %w", msg.ID, err)
	}
	msg.CreatedAt = created
	if images != "" {
		if err := json.Unmarshal([]byte(images), &msg.Images); err != nil {
			return models.Message{}, fmt.Errorf("invalid images for %s: %w", msg.ID, err)
		}
	}
	return msg, nil
}
