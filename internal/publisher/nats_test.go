package publisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []sent
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{subject, data})
	return nil
}

type countingMetrics struct {
	published, errs, observed int
}

func (m *countingMetrics) NATSPublishedInc()              { m.published++ }
func (m *countingMetrics) NATSPublishErrInc()             { m.errs++ }
func (m *countingMetrics) PublishObserve(_ time.Duration) { m.observed++ }
func (m *countingMetrics) NATSSetConnected(_ bool)        {}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"Seoul WMS":  "Seoul_WMS",
		"a.b":        "a_b",
		"x>*":        "x__",
		"  ":         "_",
		"trips":      "trips",
		"Busan/Hub ": "Busan_Hub",
	}
	for in, want := range cases {
		assert.Equal(t, want, subjectToken(in), "input %q", in)
	}
}

func TestSubject(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", false, nil)
	assert.Equal(t, "replay.42.trips", p.Subject(42, "trips"))
	assert.Equal(t, "replay.none.loading", p.Subject(0, "loading"))

	p = newPublisher(&fakeConn{}, "dash.board", false, nil)
	assert.Equal(t, "dash_board.7.positions", p.Subject(7, SlicePositions))
}

func TestPublishSliceMarshalsPayload(t *testing.T) {
	fc := &fakeConn{}
	m := &countingMetrics{}
	p := newPublisher(fc, "replay", true, m)

	require.NoError(t, p.PublishSlice(3, "window", map[string]float64{"start": 1, "end": 2}))
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "replay.3.window", fc.msgs[0].subject)
	assert.JSONEq(t, `{"start":1,"end":2}`, string(fc.msgs[0].data))
	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.observed)
}

func TestPublishPositionsEmptyFrame(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "replay", false, nil)

	require.NoError(t, p.PublishPositions(5, FrameMessage{Cursor: 100}))
	require.Len(t, fc.msgs, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &got))
	assert.Equal(t, []any{}, got["positions"])
	assert.Equal(t, 100.0, got["cursor"])
}

func TestPublishErrorCounted(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	m := &countingMetrics{}
	p := newPublisher(fc, "replay", false, m)

	err := p.PublishSlice(1, "trips", []int{})
	assert.Error(t, err)
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, 0, m.published)
}

func TestPublishMarshalError(t *testing.T) {
	p := newPublisher(&fakeConn{}, "replay", false, nil)
	err := p.PublishSlice(1, "trips", make(chan int))
	assert.ErrorContains(t, err, "marshal replay.1.trips")
}
