package bucket

import (
	"testing"
	"time"

	"github.com/RuiFG/streaming/streaming-core/common/errs"
	"github.com/stretchr/testify/assert"
)

func TestRollingPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRollingPolicy.Validate())
	for i, policy := range []RollingPolicy{
		{MaxPartSize: 0, RolloverInterval: time.Minute, InactivityInterval: time.Minute},
		{MaxPartSize: 1, RolloverInterval: 0, InactivityInterval: time.Minute},
		{MaxPartSize: 1, RolloverInterval: time.Minute, InactivityInterval: 0},
		{MaxPartSize: 1, RolloverInterval: time.Minute, InactivityInterval: time.Hour},
	} {
		assert.True(t, errs.Is(policy.Validate(), errs.ConfigurationError), "case-%d", i+1)
	}
}

func TestRollingPolicy_ShouldRoll(t *testing.T) {
	policy := RollingPolicy{MaxPartSize: 10, RolloverInterval: time.Minute, InactivityInterval: 30 * time.Second}
	created := time.Unix(1000, 0)
	part := &Part{Size: 9, CreatedAt: created, LastWriteAt: created}
	assert.False(t, policy.ShouldRollOnEvent(part, created))
	part.Size = 10
	assert.True(t, policy.ShouldRollOnEvent(part, created))

	t.Run("case-1", func(t *testing.T) {
		assert.False(t, policy.ShouldRollOnProcessingTime(part, created.Add(29*time.Second)))
	})
	t.Run("case-2", func(t *testing.T) {
		assert.True(t, policy.ShouldRollOnProcessingTime(part, created.Add(30*time.Second)))
	})
	t.Run("case-3", func(t *testing.T) {
		active := &Part{CreatedAt: created, LastWriteAt: created.Add(50 * time.Second)}
		assert.False(t, policy.ShouldRollOnProcessingTime(active, created.Add(59*time.Second)))
		assert.True(t, policy.ShouldRollOnProcessingTime(active, created.Add(time.Minute)))
	})
	t.Run("case-4", func(t *testing.T) {
		small := &Part{Size: 1, CreatedAt: created, LastWriteAt: created}
		assert.False(t, policy.ShouldRollOnEvent(small, created.Add(29*time.Second)))
		assert.True(t, policy.ShouldRollOnEvent(small, created.Add(30*time.Second)))
		active := &Part{Size: 1, CreatedAt: created, LastWriteAt: created.Add(50 * time.Second)}
		assert.True(t, policy.ShouldRollOnEvent(active, created.Add(time.Minute)))
	})
}
