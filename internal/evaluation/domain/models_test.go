package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	limit := 10 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(base, limit, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, limit, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, limit, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, limit, 3))
	assert.Equal(t, 10*time.Second, Backoff(base, limit, 4))
	assert.Equal(t, 10*time.Second, Backoff(base, limit, 20))
}

func TestPayloadRoundTrip(t *testing.T) {
	raw := EvaluationPayload{TaskID: "123", Response: "text"}.Encode()
	decoded, err := DecodePayload(raw)
	assert.NoError(t, err)
	assert.Equal(t, "123", decoded.TaskID)
	assert.Equal(t, "text", decoded.Response)

	_, err = DecodePayload([]byte("not json"))
	assert.Error(t, err)
}
