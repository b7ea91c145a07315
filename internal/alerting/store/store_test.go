package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBatchResults struct {
	errs  []error
	i     int
	close error
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	var err error
	if r.i < len(r.errs) {
		err = r.errs[r.i]
	}
	r.i++
	return pgconn.NewCommandTag("INSERT 0 1"), err
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not used") }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return fakeRow{err: errors.New("not used")} }
func (r *fakeBatchResults) Close() error             { return r.close }

type fakeRow struct {
	raw []byte
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.raw
	return nil
}

type fakePool struct {
	batches []*pgx.Batch
	results *fakeBatchResults
	row     fakeRow
	lastSQL string
	closed  bool
}

func (p *fakePool) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	p.batches = append(p.batches, b)
	return p.results
}

func (p *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	p.lastSQL = sql
	return p.row
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (p *fakePool) Close() { p.closed = true }

func TestPgBulkReportsPerDocumentFailures(t *testing.T) {
	p := &fakePool{results: &fakeBatchResults{errs: []error{nil, &pgconn.PgError{Code: "23505"}, nil}}}
	s := newPg(p, 0)

	a := &model.Alert{AlertID: "1", DedupMD5: "d", Status: model.StatusAbnormal, BeginTime: 60}
	e := &model.Event{EventID: "e1", DedupMD5: "d"}
	ai := &model.ActionInstance{ActionID: "a1", AlertIDs: []string{"1"}, Status: model.ActionSuccess}
	res, err := s.Bulk(context.Background(), []Doc{AlertDoc(a), EventDoc(e), ActionDoc(ai), {Kind: KindEvent, ID: "junk", Body: 42}})
	require.NoError(t, err)

	require.Len(t, p.batches, 1)
	assert.Equal(t, 3, p.batches[0].Len())
	assert.Equal(t, []string{"e1", "junk"}, res.FailedIDs())
	assert.False(t, res.OK())
}

func TestPgBulkWholeRequestFailure(t *testing.T) {
	p := &fakePool{results: &fakeBatchResults{close: errors.New("conn reset")}}
	s := newPg(p, 0)
	_, err := s.Bulk(context.Background(), []Doc{AlertDoc(&model.Alert{AlertID: "1", DedupMD5: "d"})})
	assert.True(t, model.IsTransient(err))
}

func TestPgActiveAlert(t *testing.T) {
	raw, _ := json.Marshal(&model.Alert{AlertID: "1", DedupMD5: "d", Status: model.StatusAbnormal, EventCount: 2})
	p := &fakePool{row: fakeRow{raw: raw}}
	s := newPg(p, 0)
	a, err := s.ActiveAlert(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.EventCount)
	assert.Contains(t, p.lastSQL, "status IN ('ABNORMAL', 'RECOVERING')")

	p.row = fakeRow{err: pgx.ErrNoRows}
	_, err = s.ActiveAlert(context.Background(), "d")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Close()
	assert.True(t, p.closed)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailIDs["2"] = true
	old := &model.Alert{AlertID: "1", DedupMD5: "d", Status: model.StatusRecovered}
	cur := &model.Alert{AlertID: "3", DedupMD5: "d", Status: model.StatusAbnormal}
	res, err := m.Bulk(ctx, []Doc{AlertDoc(old), AlertDoc(&model.Alert{AlertID: "2", DedupMD5: "x"}), AlertDoc(cur),
		LogDoc(&model.AlertLog{AlertID: "3", Op: model.LogOpCreate, CreateTime: 1})})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, res.FailedIDs())

	got, err := m.ActiveAlert(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "3", got.AlertID)
	_, err = m.ActiveAlert(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, m.Logs("3"), 1)

	// stored copies are independent of the caller's value
	cur.EventCount = 99
	got, _ = m.Alert(ctx, "3")
	assert.Equal(t, int64(0), got.EventCount)

	m.Err = errors.New("down")
	_, err = m.Bulk(ctx, []Doc{AlertDoc(cur)})
	assert.Error(t, err)
}
