package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	var r Recorder
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.Publish(context.Background(), New(MessageSent, "t1", "m1", at, nil)))
	require.NoError(t, r.Publish(context.Background(), New(MessageFailed, "t1", "m2", at, map[string]string{"error": "x"})))

	require.Len(t, r.Events(), 2)
	failed := r.OfType(MessageFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "m2", failed[0].SubjectID)
}

func TestEventEncoding(t *testing.T) {
	e := New(CampaignPaused, "t1", "c1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)), map[string]string{"reason": "insufficient credits"})
	b, err := e.encode()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "campaign.paused", m["type"])
	require.Equal(t, "2026-01-02T02:04:05Z", m["at"])
	require.NotEmpty(t, m["id"])
}
