package auditlog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"escrowledger/core/events"
	"escrowledger/core/types"
)

// DefaultListLimit caps List when the caller gives no limit.
const DefaultListLimit = 100

// Store persists committed ledger events and RPC request summaries in sqlite.
// Each event row carries a blake3 digest chained over the previous row so
// edits to stored history are detectable with Verify.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	head [32]byte
}

// ErrChainBroken is returned by Verify when a stored digest does not match
// the recomputed chain.
var ErrChainBroken = errors.New("auditlog: digest chain broken")

// Record is a stored event.
type Record struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   uint64            `json:"escrowId"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
	Digest     string            `json:"digest"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EscrowID      uint64
	Type          string
	AfterSequence int64
	Limit         int
}

// RequestEntry summarises a served RPC request.
type RequestEntry struct {
	RequestID string
	Method    string
	Caller    string
	Code      int
	Duration  time.Duration
	Timestamp time.Time
}

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db, logger: slog.Default(), now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.loadHead(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SetLogger overrides the logger used to report failed writes from Emit.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            escrow_id INTEGER NOT NULL DEFAULT 0,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            digest BLOB NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_escrow_id ON events(escrow_id, sequence);`,
		`CREATE TABLE IF NOT EXISTS request_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id TEXT NOT NULL,
            method TEXT NOT NULL,
            caller TEXT,
            code INTEGER NOT NULL,
            duration_ms INTEGER NOT NULL,
            occurred_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadHead() error {
	var digest []byte
	err := s.db.QueryRow(`SELECT digest FROM events ORDER BY sequence DESC LIMIT 1`).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(digest) != len(s.head) {
		return fmt.Errorf("auditlog: head digest has %d bytes", len(digest))
	}
	copy(s.head[:], digest)
	return nil
}

// chainDigest hashes prev followed by the length-delimited event fields.
func chainDigest(prev [32]byte, eventType string, escrowID uint64, payload []byte) [32]byte {
	buf := bytes.NewBuffer(make([]byte, 0, 32+12+len(eventType)+len(payload)))
	buf.Write(prev[:])
	writeDelimited(buf, []byte(eventType))
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], escrowID)
	buf.Write(id[:])
	writeDelimited(buf, payload)
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

// Head returns the digest of the most recent event, zero when empty.
func (s *Store) Head() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Verify recomputes the digest chain over every stored event.
func (s *Store) Verify(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, type, escrow_id, payload, digest FROM events ORDER BY sequence ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var prev [32]byte
	for rows.Next() {
		var (
			seq      int64
			typ      string
			escrowID int64
			payload  string
			stored   []byte
		)
		if err := rows.Scan(&seq, &typ, &escrowID, &payload, &stored); err != nil {
			return err
		}
		want := chainDigest(prev, typ, uint64(escrowID), []byte(payload))
		if !bytes.Equal(stored, want[:]) {
			return fmt.Errorf("%w at sequence %d", ErrChainBroken, seq)
		}
		prev = want
	}
	return rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Emit implements events.Emitter. Write failures are logged, not returned,
// because the ledger state has already been committed.
func (s *Store) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := s.Append(context.Background(), evt.Event()); err != nil {
		s.logger.Error("audit log append failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores a single event.
func (s *Store) Append(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	const stmt = `INSERT INTO events(type, escrow_id, payload, created_at, digest) VALUES (?, ?, ?, ?, ?)`
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	var escrowID uint64
	if raw, ok := attrs["id"]; ok {
		escrowID, _ = strconv.ParseUint(raw, 10, 64)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	digest := chainDigest(s.head, evt.Type, escrowID, payload)
	if _, err := s.db.ExecContext(ctx, stmt, evt.Type, int64(escrowID), string(payload), s.now().UTC(), digest[:]); err != nil {
		return err
	}
	s.head = digest
	return nil
}

// List returns events in sequence order matching filter.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	clauses := []string{"sequence > ?"}
	args := []any{filter.AfterSequence}
	if filter.EscrowID != 0 {
		clauses = append(clauses, "escrow_id = ?")
		args = append(args, int64(filter.EscrowID))
	}
	if t := strings.TrimSpace(filter.Type); t != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, t)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT sequence, type, escrow_id, payload, created_at, digest FROM events WHERE %s ORDER BY sequence ASC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec      Record
			escrowID int64
			payload  string
			digest   []byte
		)
		if err := rows.Scan(&rec.Sequence, &rec.Type, &escrowID, &payload, &rec.CreatedAt, &digest); err != nil {
			return nil, err
		}
		rec.EscrowID = uint64(escrowID)
		rec.Digest = hex.EncodeToString(digest)
		if err := json.Unmarshal([]byte(payload), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", rec.Sequence, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertRequest records a served RPC request.
func (s *Store) InsertRequest(ctx context.Context, entry RequestEntry) error {
	const stmt = `INSERT INTO request_log(request_id, method, caller, code, duration_ms, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx, stmt, entry.RequestID, entry.Method, entry.Caller, entry.Code, entry.Duration.Milliseconds(), ts.UTC())
	return err
}

// CountRequests returns how many requests were logged for method, or for all
// methods when method is empty.
func (s *Store) CountRequests(ctx context.Context, method string) (int64, error) {
	query := `SELECT COUNT(*) FROM request_log`
	args := []any{}
	if method != "" {
		query += ` WHERE method = ?`
		args = append(args, method)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
