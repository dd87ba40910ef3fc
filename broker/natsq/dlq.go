package natsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverd/conveyor"
	"github.com/carverd/conveyor/dlq"
)

// DLQStore persists dead letter entries as JSON messages on a
// limits-retention stream. The stream sequence doubles as the entry id.
// The stream itself is created by Binding.Ensure.
type DLQStore struct {
	js     jetstream.JetStream
	stream string
}

var _ dlq.Store = (*DLQStore)(nil)

// NewDLQStore creates a store over the named dead letter stream.
func NewDLQStore(b *Binding, stream string) *DLQStore {
	return &DLQStore{js: b.js, stream: stream}
}

func (s *DLQStore) Push(ctx context.Context, e *dlq.Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("natsq: dlq encode: %w", err)
	}
	ack, err := s.js.Publish(ctx, s.stream, data)
	if err != nil {
		return "", fmt.Errorf("natsq: dlq push %s: %w", s.stream, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (s *DLQStore) List(ctx context.Context, offset, limit int) ([]*dlq.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	st, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("natsq: dlq stream %s: %w", s.stream, err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("natsq: dlq stream info %s: %w", s.stream, err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	skipped := 0
	entries := make([]*dlq.Entry, 0, limit)
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0; seq-- {
		raw, err := st.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("natsq: dlq list %s: %w", s.stream, err)
		}
		if skipped < offset {
			skipped++
			continue
		}
		entries = append(entries, decodeEntry(raw))
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (s *DLQStore) Get(ctx context.Context, id string) (*dlq.Entry, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, conveyor.ErrEntryNotFound
	}
	st, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("natsq: dlq stream %s: %w", s.stream, err)
	}
	raw, err := st.GetMsg(ctx, seq)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, conveyor.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("natsq: dlq get %s: %w", id, err)
	}
	return decodeEntry(raw), nil
}

func (s *DLQStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	st, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return 0, fmt.Errorf("natsq: dlq stream %s: %w", s.stream, err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("natsq: dlq stream info %s: %w", s.stream, err)
	}
	if info.State.Msgs == 0 {
		return 0, nil
	}

	// Scan forward for the first message at or past the cutoff; purge
	// strictly below its sequence.
	var removed int64
	cutoff := info.State.LastSeq + 1
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && seq > 0; seq++ {
		raw, err := st.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("natsq: dlq purge scan %s: %w", s.stream, err)
		}
		if !raw.Time.Before(before) {
			cutoff = seq
			break
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := st.Purge(ctx, jetstream.WithPurgeSequence(cutoff)); err != nil {
		return 0, fmt.Errorf("natsq: dlq purge %s: %w", s.stream, err)
	}
	return removed, nil
}

func (s *DLQStore) Count(ctx context.Context) (int64, error) {
	st, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return 0, fmt.Errorf("natsq: dlq stream %s: %w", s.stream, err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("natsq: dlq stream info %s: %w", s.stream, err)
	}
	return int64(info.State.Msgs), nil
}

func decodeEntry(raw *jetstream.RawStreamMsg) *dlq.Entry {
	e := &dlq.Entry{}
	if err := json.Unmarshal(raw.Data, e); err != nil {
		e.ErrorMessage = "undecodable dlq entry: " + err.Error()
		e.Payload = raw.Data
	}
	e.ID = strconv.FormatUint(raw.Sequence, 10)
	if e.FailedAt.IsZero() {
		e.FailedAt = raw.Time.UTC()
	}
	return e
}
