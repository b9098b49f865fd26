// Package trace implements the per-leg message tracing store of spec.md
// §4.7: an append-mostly log of MessageHeader rows and content-deduplicated
// MessageBody rows, a fire-and-forget Writer so the processing path never
// blocks on trace I/O, and a background reconciler that chains legs written
// without a session_id.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/carepath/conduit/pkg/hl7"
	"github.com/carepath/conduit/pkg/types"
)

var (
	// Bucket names
	bucketHeaders       = []byte("message_headers")
	bucketBodies        = []byte("message_bodies")
	bucketChecksumIndex = []byte("checksum_index")
	bucketSessionIndex  = []byte("session_index")
	// Legacy single-row-per-message trace, retained read-only (spec.md §4.7).
	bucketPortalMessages = []byte("portal_messages")
)

// Store is the bbolt-backed trace store.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the trace database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "conduit-trace.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("trace: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketHeaders,
			bucketBodies,
			bucketChecksumIndex,
			bucketSessionIndex,
			bucketPortalMessages,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("trace: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreBody persists payload, deduplicated by checksum+content_type+
// schema_version: a second call with an identical payload returns the
// existing body_id and writes nothing (spec.md §4.7, §8 "body dedup").
func (s *Store) StoreBody(payload []byte, contentType, schemaVersion string) (string, error) {
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	indexKey := []byte(checksum + "|" + contentType + "|" + schemaVersion)

	var bodyID string
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketChecksumIndex)
		if existing := idx.Get(indexKey); existing != nil {
			bodyID = string(existing)
			return nil
		}

		bodyID = uuid.NewString()
		body := &types.MessageBody{
			BodyID:        bodyID,
			Checksum:      checksum,
			ContentType:   contentType,
			SchemaVersion: schemaVersion,
			SizeBytes:     int64(len(payload)),
			RawPayload:    payload,
			IndexedFields: indexedFields(payload, contentType),
		}
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBodies).Put([]byte(bodyID), data); err != nil {
			return err
		}
		return idx.Put(indexKey, []byte(bodyID))
	})
	return bodyID, err
}

// indexedFields extracts the protocol-specific query columns of spec.md §3:
// for HL7 the message type, trigger event, control ID, and sending facility;
// other content types get none.
func indexedFields(payload []byte, contentType string) map[string]string {
	if !strings.Contains(contentType, "hl7") {
		return nil
	}
	msg, err := hl7.Parse(payload)
	if err != nil {
		return nil
	}
	code, event := msg.MessageType()
	return map[string]string{
		"message_code":     code,
		"trigger_event":    event,
		"control_id":       msg.ControlID(),
		"sending_facility": msg.First("MSH", 4, 0, 0),
	}
}

// StoreHeader appends one per-leg header row. SessionID may be empty on
// write; the reconciler assigns one later (spec.md §4.7, §9).
func (s *Store) StoreHeader(h *types.MessageHeader) error {
	if h.HeaderID == "" {
		h.HeaderID = uuid.NewString()
	}
	if h.ReceivedAt.IsZero() {
		h.ReceivedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeaders).Put([]byte(h.HeaderID), data); err != nil {
			return err
		}
		if h.SessionID != "" {
			return tx.Bucket(bucketSessionIndex).Put(sessionIndexKey(h), []byte(h.HeaderID))
		}
		return nil
	})
}

// sessionIndexKey orders a session's legs by received_at, then header_id for
// uniqueness, satisfying the "writes of the same session ordered by
// received_at" contract when the session trace is read back. The timestamp
// is written with a fixed nine-digit fraction so keys sort chronologically.
func sessionIndexKey(h *types.MessageHeader) []byte {
	return []byte(h.SessionID + "|" + h.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "|" + h.HeaderID)
}

// UpdateHeaderStatus finalizes a pending header once the operation learns
// its outcome (spec.md §4.7).
func (s *Store) UpdateHeaderStatus(headerID string, status types.HeaderStatus, errorMessage string, latencyMS int64, ackBodyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeaders)
		data := b.Get([]byte(headerID))
		if data == nil {
			return fmt.Errorf("trace: header not found: %s", headerID)
		}
		var h types.MessageHeader
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		h.Status = status
		h.CompletedAt = time.Now()
		if errorMessage != "" {
			h.ErrorMessage = errorMessage
		}
		if latencyMS > 0 {
			h.LatencyMS = latencyMS
		}
		if ackBodyID != "" {
			h.AckBodyID = ackBodyID
		}
		updated, err := json.Marshal(&h)
		if err != nil {
			return err
		}
		return b.Put([]byte(headerID), updated)
	})
}

// GetHeader fetches one header by ID.
func (s *Store) GetHeader(headerID string) (*types.MessageHeader, error) {
	var h types.MessageHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeaders).Get([]byte(headerID))
		if data == nil {
			return fmt.Errorf("trace: header not found: %s", headerID)
		}
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetBody fetches one body by ID.
func (s *Store) GetBody(bodyID string) (*types.MessageBody, error) {
	var b types.MessageBody
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBodies).Get([]byte(bodyID))
		if data == nil {
			return fmt.Errorf("trace: body not found: %s", bodyID)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// HeaderFilter narrows ListHeaders. Zero-valued fields match everything.
type HeaderFilter struct {
	ItemName string
	Status   types.HeaderStatus
	Since    time.Time
	Limit    int
}

// ListHeaders returns headers for one project, newest first, narrowed by
// filter. This is the portal's primary query (spec.md §4.7).
func (s *Store) ListHeaders(projectID string, filter HeaderFilter) ([]*types.MessageHeader, error) {
	var headers []*types.MessageHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeaders).ForEach(func(k, v []byte) error {
			var h types.MessageHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if projectID != "" && h.ProjectID != projectID {
				return nil
			}
			if filter.ItemName != "" && h.ItemName != filter.ItemName {
				return nil
			}
			if filter.Status != "" && h.Status != filter.Status {
				return nil
			}
			if !filter.Since.IsZero() && h.ReceivedAt.Before(filter.Since) {
				return nil
			}
			headers = append(headers, &h)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].ReceivedAt.After(headers[j].ReceivedAt) })
	if filter.Limit > 0 && len(headers) > filter.Limit {
		headers = headers[:filter.Limit]
	}
	return headers, nil
}

// SessionSummary is the aggregate row of the portal's session list.
type SessionSummary struct {
	SessionID  string
	LegCount   int
	Items      []string
	FirstLegAt time.Time
	LastLegAt  time.Time
	HasError   bool
}

// ListSessions returns distinct sessions for a project with aggregate
// metadata, most recent first.
func (s *Store) ListSessions(projectID string, limit int) ([]SessionSummary, error) {
	byID := make(map[string]*SessionSummary)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeaders).ForEach(func(k, v []byte) error {
			var h types.MessageHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.SessionID == "" || (projectID != "" && h.ProjectID != projectID) {
				return nil
			}
			sum, ok := byID[h.SessionID]
			if !ok {
				sum = &SessionSummary{SessionID: h.SessionID, FirstLegAt: h.ReceivedAt, LastLegAt: h.ReceivedAt}
				byID[h.SessionID] = sum
			}
			sum.LegCount++
			if !containsString(sum.Items, h.ItemName) {
				sum.Items = append(sum.Items, h.ItemName)
			}
			if h.ReceivedAt.Before(sum.FirstLegAt) {
				sum.FirstLegAt = h.ReceivedAt
			}
			if h.ReceivedAt.After(sum.LastLegAt) {
				sum.LastLegAt = h.ReceivedAt
			}
			if h.Status == types.StatusError || h.Status == types.StatusFailed {
				sum.HasError = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]SessionSummary, 0, len(byID))
	for _, sum := range byID {
		sessions = append(sessions, *sum)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].LastLegAt.After(sessions[j].LastLegAt) })
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// SessionTrace returns every leg of one session ordered by received_at. When
// no per-leg headers exist for the session, legacy portal_messages rows are
// presented instead; headers are preferred when both exist (spec.md §4.7's
// backward-compatibility contract).
func (s *Store) SessionTrace(sessionID string) ([]*types.MessageHeader, error) {
	var headers []*types.MessageHeader
	prefix := []byte(sessionID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessionIndex).Cursor()
		hb := tx.Bucket(bucketHeaders)
		for k, headerID := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, headerID = c.Next() {
			data := hb.Get(headerID)
			if data == nil {
				continue
			}
			var h types.MessageHeader
			if err := json.Unmarshal(data, &h); err != nil {
				return err
			}
			headers = append(headers, &h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		return headers, nil
	}
	return s.legacySessionTrace(sessionID)
}

// portalMessage is the retained shape of the legacy single-row-per-message
// trace table. Written by earlier releases only; this runtime reads it as a
// fallback and never writes to it.
type portalMessage struct {
	MessageID  string            `json:"message_id"`
	SessionID  string            `json:"session_id"`
	ItemName   string            `json:"item_name"`
	Status     string            `json:"status"`
	ReceivedAt time.Time         `json:"received_at"`
	BodyID     string            `json:"body_id"`
	Properties map[string]string `json:"properties"`
}

func (s *Store) legacySessionTrace(sessionID string) ([]*types.MessageHeader, error) {
	var headers []*types.MessageHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortalMessages).ForEach(func(k, v []byte) error {
			var m portalMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SessionID != sessionID {
				return nil
			}
			headers = append(headers, &types.MessageHeader{
				HeaderID:   m.MessageID,
				SessionID:  m.SessionID,
				ItemName:   m.ItemName,
				Status:     types.HeaderStatus(m.Status),
				ReceivedAt: m.ReceivedAt,
				BodyID:     m.BodyID,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].ReceivedAt.Before(headers[j].ReceivedAt) })
	return headers, nil
}

// headersMissingSession returns every header with no session_id, oldest
// first, for the reconciler.
func (s *Store) headersMissingSession() ([]*types.MessageHeader, error) {
	var headers []*types.MessageHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeaders).ForEach(func(k, v []byte) error {
			var h types.MessageHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.SessionID == "" {
				headers = append(headers, &h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].ReceivedAt.Before(headers[j].ReceivedAt) })
	return headers, nil
}

// setHeaderSession assigns sessionID to an existing header and indexes it.
func (s *Store) setHeaderSession(headerID, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeaders)
		data := b.Get([]byte(headerID))
		if data == nil {
			return fmt.Errorf("trace: header not found: %s", headerID)
		}
		var h types.MessageHeader
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		h.SessionID = sessionID
		updated, err := json.Marshal(&h)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(headerID), updated); err != nil {
			return err
		}
		return tx.Bucket(bucketSessionIndex).Put(sessionIndexKey(&h), []byte(h.HeaderID))
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
