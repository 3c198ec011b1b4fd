package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists rule sets in the chat_rules table. Keyword and
// pattern lists are stored as JSONB; every other field is a plain
// column so operators can inspect and fix a chat's policy with SQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// rulesRow mirrors one chat_rules row before validation.
type rulesRow struct {
	keywords         []byte
	regexes          []byte
	action           string
	muteSeconds      int
	bufferSeconds    int
	bufferMode       string
	challengeEnabled bool
	challengeTimeout int
	firstMsgStrict   bool
	floodDetection   bool
}

func (r rulesRow) toRuleSet() RuleSet {
	rs := RuleSet{
		Action:                  Action(r.action),
		MuteSeconds:             r.muteSeconds,
		NewcomerBufferSeconds:   r.bufferSeconds,
		NewcomerBufferMode:      BufferMode(r.bufferMode),
		ChallengeEnabled:        r.challengeEnabled,
		ChallengeTimeoutSeconds: r.challengeTimeout,
		FirstMessageStrict:      r.firstMsgStrict,
		FloodDetection:          r.floodDetection,
	}
	// Malformed JSON degrades to an empty list, not an error.
	if err := json.Unmarshal(r.keywords, &rs.Keywords); err != nil {
		rs.Keywords = nil
	}
	if err := json.Unmarshal(r.regexes, &rs.RegexPatterns); err != nil {
		rs.RegexPatterns = nil
	}
	rs.Clamp()
	return rs
}

const selectRules = `
	SELECT keywords, regexes, action, mute_seconds,
	       newcomer_buffer_seconds, newcomer_buffer_mode,
	       challenge_enabled, challenge_timeout_seconds, first_message_strict,
	       flood_detection
	FROM chat_rules WHERE chat_id = $1`

// queryRow is satisfied by both *sql.DB and *sql.Tx.
type queryRow interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q queryRow, chatID int64, forUpdate bool) (rulesRow, bool, error) {
	query := selectRules
	if forUpdate {
		query += " FOR UPDATE"
	}
	var r rulesRow
	err := q.QueryRowContext(ctx, query, chatID).Scan(
		&r.keywords, &r.regexes, &r.action, &r.muteSeconds,
		&r.bufferSeconds, &r.bufferMode,
		&r.challengeEnabled, &r.challengeTimeout, &r.firstMsgStrict,
		&r.floodDetection,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rulesRow{}, false, nil
	}
	if err != nil {
		return rulesRow{}, false, fmt.Errorf("rules: select chat %d: %w", chatID, err)
	}
	return r, true, nil
}

// Get returns the chat's rule set, falling back to the global row and
// then to built-in defaults. Malformed stored fields degrade per field.
func (s *PostgresStore) Get(ctx context.Context, chatID int64) (RuleSet, error) {
	row, ok, err := getRow(ctx, s.db, chatID, false)
	if err != nil {
		return RuleSet{}, err
	}
	if !ok && chatID != GlobalChatID {
		row, ok, err = getRow(ctx, s.db, GlobalChatID, false)
		if err != nil {
			return RuleSet{}, err
		}
	}
	if !ok {
		return Defaults(), nil
	}
	return row.toRuleSet(), nil
}

const upsertRules = `
	INSERT INTO chat_rules (
		chat_id, keywords, regexes, action, mute_seconds,
		newcomer_buffer_seconds, newcomer_buffer_mode,
		challenge_enabled, challenge_timeout_seconds, first_message_strict,
		flood_detection
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (chat_id) DO UPDATE SET
		keywords = excluded.keywords,
		regexes = excluded.regexes,
		action = excluded.action,
		mute_seconds = excluded.mute_seconds,
		newcomer_buffer_seconds = excluded.newcomer_buffer_seconds,
		newcomer_buffer_mode = excluded.newcomer_buffer_mode,
		challenge_enabled = excluded.challenge_enabled,
		challenge_timeout_seconds = excluded.challenge_timeout_seconds,
		first_message_strict = excluded.first_message_strict,
		flood_detection = excluded.flood_detection`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRow(ctx context.Context, e execer, chatID int64, rs RuleSet) error {
	keywords, err := json.Marshal(rs.Keywords)
	if err != nil {
		return fmt.Errorf("rules: marshal keywords: %w", err)
	}
	regexes, err := json.Marshal(rs.RegexPatterns)
	if err != nil {
		return fmt.Errorf("rules: marshal regexes: %w", err)
	}
	_, err = e.ExecContext(ctx, upsertRules,
		chatID, keywords, regexes, string(rs.Action), rs.MuteSeconds,
		rs.NewcomerBufferSeconds, string(rs.NewcomerBufferMode),
		rs.ChallengeEnabled, rs.ChallengeTimeoutSeconds, rs.FirstMessageStrict,
		rs.FloodDetection,
	)
	if err != nil {
		return fmt.Errorf("rules: upsert chat %d: %w", chatID, err)
	}
	return nil
}

// Put validates and stores a chat's rule set.
func (s *PostgresStore) Put(ctx context.Context, chatID int64, rs RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	return putRow(ctx, s.db, chatID, rs)
}

// Mutate applies fn under a row lock so concurrent writes to the same
// chat serialize, while other chats' rows stay untouched.
func (s *PostgresStore) Mutate(ctx context.Context, chatID int64, fn func(*RuleSet) error) (RuleSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RuleSet{}, fmt.Errorf("rules: begin: %w", err)
	}
	defer tx.Rollback()

	row, ok, err := getRow(ctx, tx, chatID, true)
	if err != nil {
		return RuleSet{}, err
	}
	rs := Defaults()
	if ok {
		rs = row.toRuleSet()
	}
	if err := fn(&rs); err != nil {
		return RuleSet{}, err
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	if err := putRow(ctx, tx, chatID, rs); err != nil {
		return RuleSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return RuleSet{}, fmt.Errorf("rules: commit chat %d: %w", chatID, err)
	}
	return rs, nil
}
