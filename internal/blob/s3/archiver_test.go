package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/leverd/internal/domain"
)

type captureWriter struct {
	path        string
	contentType string
	body        []byte
	calls       int
}

func (w *captureWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	w.path, w.contentType, w.body = path, contentType, buf.Bytes()
	w.calls++
	return nil
}

type stubTradeStore struct {
	trades []domain.TradeRecord
}

func (s *stubTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, t := range s.trades {
		if t.ClosedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

type stubAudit struct {
	events []string
}

func (s *stubAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveTradesUploadsJSONL(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &stubTradeStore{trades: []domain.TradeRecord{
		{ID: "t1", Actor: "u1", Symbol: "BTCUSDT", ClosedAt: cutoff.Add(-48 * time.Hour)},
		{ID: "t2", Actor: "u2", Symbol: "ETHUSDT", ClosedAt: cutoff.Add(-24 * time.Hour)},
		{ID: "t3", Actor: "u1", Symbol: "BTCUSDT", ClosedAt: cutoff.Add(time.Hour)},
	}}
	writer := &captureWriter{}
	audit := &stubAudit{}

	count, err := NewArchiver(writer, store, audit).ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.Equal(t, "archive/trades/2025-06.jsonl", writer.path)
	assert.Equal(t, "application/x-ndjson", writer.contentType)

	lines := strings.Split(strings.TrimSpace(string(writer.body)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"t1"`)
	assert.Contains(t, lines[1], `"t2"`)

	assert.Equal(t, []string{"archive.trades"}, audit.events)
}

func TestArchiveTradesSkipsEmptyWindow(t *testing.T) {
	writer := &captureWriter{}
	audit := &stubAudit{}

	count, err := NewArchiver(writer, &stubTradeStore{}, audit).ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, writer.calls)
	assert.Empty(t, audit.events)
}
