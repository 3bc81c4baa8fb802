package async_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gitlab.com/arcanecrypto/swapd/async"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	limit := 5 * time.Minute

	assert.Equal(t, base, async.Backoff(1, base, limit),
		"the first retry waits the base delay")
	assert.Equal(t, 4*time.Second, async.Backoff(2, base, limit))
	assert.Equal(t, 16*time.Second, async.Backoff(4, base, limit))
	assert.Equal(t, limit, async.Backoff(60, base, limit),
		"the delay never exceeds the cap")
}

func TestAwait(t *testing.T) {
	calls := 0
	err := async.Await(3, time.Millisecond, func() bool {
		calls++
		return calls == 2
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	err = async.Await(2, time.Millisecond, func() bool { return false }, "never true")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "never true")
}
