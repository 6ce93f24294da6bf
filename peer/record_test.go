package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yznetwork/overlay/id"
)

func TestFailureThresholdMarksDead(t *testing.T) {
	r := New(id.HashOfString("p"), "tcp://127.0.0.1:3000")
	assert.True(t, r.Alive())
	r.RecordFailure()
	r.RecordFailure()
	assert.True(t, r.Alive())
	r.RecordFailure()
	assert.False(t, r.Alive())
}

func TestResetFailuresRestoresLiveness(t *testing.T) {
	r := New(id.HashOfString("p"), "")
	r.RecordFailure()
	r.RecordFailure()
	r.RecordFailure()
	assert.False(t, r.Alive())
	r.ResetFailures()
	assert.True(t, r.Alive())
}

func TestTabVisibleDefaultsTrue(t *testing.T) {
	r := New(id.HashOfString("p"), "")
	assert.True(t, r.TabVisible())
	r.SetMetadata("tabVisible", "false")
	assert.False(t, r.TabVisible())
}

func TestQualityScoreConnectedBeatsDisconnected(t *testing.T) {
	a := New(id.HashOfString("a"), "")
	b := New(id.HashOfString("b"), "")
	b.SetConnection(fakeHandle{})
	assert.Greater(t, b.QualityScore(), a.QualityScore())
}

func TestQualityScorePenalizesFailures(t *testing.T) {
	r := New(id.HashOfString("r"), "")
	before := r.QualityScore()
	r.RecordFailure()
	after := r.QualityScore()
	assert.Less(t, after, before)
}

func TestRecordPingUpdatesRTTAndLastSeen(t *testing.T) {
	r := New(id.HashOfString("r"), "")
	r.RecordPing(42 * time.Millisecond)
	assert.Equal(t, 42*time.Millisecond, r.RTT())
	assert.WithinDuration(t, time.Now(), r.LastSeen(), time.Second)
}

type fakeHandle struct{}

func (fakeHandle) Transport() string { return "stream" }
