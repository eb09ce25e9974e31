package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-watcher/internal/domain/plate"
)

func TestDecodeLifecycleEvent(t *testing.T) {
	payload := []byte(`{
		"type": "update",
		"before": {"id": "1712000000.123-abc", "top_score": 0.71},
		"after": {
			"id": "1712000000.123-abc",
			"camera": "driveway",
			"label": "car",
			"top_score": 0.83,
			"current_zones": ["gate", "street"],
			"current_attributes": [{"label": "license_plate", "score": 0.64}],
			"start_time": 1712000000.5,
			"has_snapshot": true
		}
	}`)

	ev, err := DecodeLifecycleEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "1712000000.123-abc", ev.ID)
	assert.Equal(t, plate.UpdateUpdate, ev.Type)
	assert.Equal(t, "driveway", ev.Camera)
	assert.Equal(t, "car", ev.Label)
	assert.Equal(t, 0.83, ev.TopScore)
	assert.Equal(t, 0.71, ev.PrevTopScore)
	assert.Equal(t, []string{"gate", "street"}, ev.Zones)
	require.Len(t, ev.Attributes, 1)
	assert.Equal(t, "license_plate", ev.Attributes[0].Label)
	assert.True(t, ev.HasSnapshot)
	assert.JSONEq(t, string(payload), string(ev.Raw))

	want := time.Unix(1712000000, int64(500*time.Millisecond)).UTC()
	assert.True(t, ev.StartTime.Equal(want), "got %s, want %s", ev.StartTime, want)
}

func TestDecodeLifecycleEventMissingID(t *testing.T) {
	_, err := DecodeLifecycleEvent([]byte(`{"type":"new","after":{"camera":"driveway"}}`))
	assert.ErrorIs(t, err, ErrMissingEventID)
}

func TestDecodeLifecycleEventBadJSON(t *testing.T) {
	_, err := DecodeLifecycleEvent([]byte(`{"type": "new",`))
	assert.Error(t, err)
}
