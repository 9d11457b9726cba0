// Package audit keeps a tamper-evident trail of backup operations. Each event
// is hashed together with the hash of the event before it, so editing or
// dropping a stored event breaks every hash after it.
package audit

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

type Service struct {
	repo     Repository
	now      func() time.Time
	mu       sync.Mutex
	chainTip string
}

func NewService(ctx context.Context, repo Repository) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("new audit service: repository is nil")
	}
	tip, err := repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("new audit service: read chain tip: %w", err)
	}
	return &Service{
		repo:     repo,
		now:      time.Now,
		chainTip: tip,
	}, nil
}

func (s *Service) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Action) == "" {
		return fmt.Errorf("record audit event: action is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	detailsJSON, err := canonicalizeDetails(event.Details)
	if err != nil {
		return fmt.Errorf("record audit event: canonicalize details: %w", err)
	}
	payload, err := canonicalJSON(chainEvent{
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Result:     event.Result,
		Details:    detailsJSON,
	})
	if err != nil {
		return fmt.Errorf("record audit event: canonical payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &RecordedEvent{
		ID:          uuid.NewString(),
		Timestamp:   event.Timestamp,
		Action:      event.Action,
		TargetType:  event.TargetType,
		TargetID:    event.TargetID,
		Result:      event.Result,
		DetailsJSON: string(detailsJSON),
	}
	err = s.append(ctx, entry, payload)
	if errors.Is(err, ErrChainConflict) {
		// Another writer advanced the tip; chain onto it and try once more.
		tip, tipErr := s.repo.ChainTip(ctx)
		if tipErr != nil {
			return fmt.Errorf("record audit event: reread chain tip: %w", tipErr)
		}
		s.chainTip = tip
		err = s.append(ctx, entry, payload)
	}
	if err != nil {
		return fmt.Errorf("record audit event: append: %w", err)
	}
	return nil
}

func (s *Service) append(ctx context.Context, entry *RecordedEvent, payload []byte) error {
	entry.PrevHash = s.chainTip
	entry.EventHash = chainHashHex(s.chainTip, payload)
	if err := s.repo.AppendWithTip(ctx, entry); err != nil {
		return err
	}
	s.chainTip = entry.EventHash
	return nil
}

// Verify recomputes every hash from the first event. A broken chain is
// reported in the result, not as an error.
func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	events, err := s.repo.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: list events: %w", err)
	}

	prev := ""
	for _, event := range events {
		payload, err := payloadForStoredEvent(event)
		if err != nil {
			return &VerifyResult{
				EventCount: len(events),
				ChainTip:   prev,
				Error:      fmt.Sprintf("unreadable event %s: %v", event.ID, err),
			}, nil
		}
		expected := chainHashHex(prev, payload)
		if subtle.ConstantTimeCompare([]byte(event.PrevHash), []byte(prev)) != 1 ||
			subtle.ConstantTimeCompare([]byte(event.EventHash), []byte(expected)) != 1 {
			return &VerifyResult{
				EventCount: len(events),
				ChainTip:   prev,
				Error:      fmt.Sprintf("hash mismatch at event %s", event.ID),
			}, nil
		}
		prev = event.EventHash
	}

	storedTip, err := s.repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: read chain tip: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(storedTip), []byte(prev)) != 1 {
		return &VerifyResult{
			EventCount: len(events),
			ChainTip:   prev,
			Error:      "hash mismatch at chain tip",
		}, nil
	}
	return &VerifyResult{Valid: true, EventCount: len(events), ChainTip: prev}, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	events, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

type chainEvent struct {
	Timestamp  string          `json:"timestamp"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Result     string          `json:"result"`
	Details    json.RawMessage `json:"details"`
}

func payloadForStoredEvent(event RecordedEvent) ([]byte, error) {
	details := strings.TrimSpace(event.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	if !json.Valid([]byte(details)) {
		return nil, fmt.Errorf("invalid details json")
	}
	return canonicalJSON(chainEvent{
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Result:     event.Result,
		Details:    json.RawMessage(details),
	})
}

func chainHashHex(prevHash string, canonicalPayload []byte) string {
	input := append([]byte(prevHash), canonicalPayload...)
	sum := blake3.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func canonicalizeDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := canonicalJSON(details)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode details json: %w", err)
	}
	out, err := canonicalJSONFromDecoded(sanitizeValue(decoded))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(out), nil
}

func sanitizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clean := make(map[string]any, len(typed))
		for key, nested := range typed {
			if isSensitiveDetailKey(key) {
				continue
			}
			clean[key] = sanitizeValue(nested)
		}
		return clean
	case []any:
		out := make([]any, 0, len(typed))
		for _, nested := range typed {
			out = append(out, sanitizeValue(nested))
		}
		return out
	default:
		return value
	}
}

func isSensitiveDetailKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, pattern := range sensitiveDetailPatterns {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

var sensitiveDetailPatterns = []string{
	"secret", "passphrase", "password", "token",
	"credential", "master_key", "private_key", "api_key",
}

// canonicalJSON encodes v with sorted object keys and no whitespace. Maps are
// refused at the top level so callers pass a typed struct.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("canonical json: value is nil")
	}
	root := reflect.ValueOf(v)
	for root.Kind() == reflect.Pointer {
		if root.IsNil() {
			return nil, fmt.Errorf("canonical json: nil pointer")
		}
		root = root.Elem()
	}
	if root.Kind() == reflect.Map {
		return nil, fmt.Errorf("canonical json: map input is not allowed")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}
	return canonicalJSONFromDecoded(decoded)
}

func canonicalJSONFromDecoded(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonicalJSON(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonicalJSON(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(key)
			if err != nil {
				return fmt.Errorf("canonical json: marshal key: %w", err)
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonicalJSON(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalJSON(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Errorf("canonical json: marshal scalar: %w", err)
		}
		buf.Write(raw)
		return nil
	}
}
