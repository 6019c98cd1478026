package console

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func noop(ctx context.Context) error { return nil }

func allActions() Actions {
	return Actions{Reload: noop, Save: noop, Backup: noop, Restart: noop, Stop: noop}
}

func TestInterceptVerdicts(t *testing.T) {
	i := NewInterceptor(allActions(), nil)

	tests := []struct {
		line    string
		verdict Verdict
		handled bool
	}{
		{"reload", Swallow, true},
		{"/save-all", Swallow, true},
		{"SAVE-ALL flush", Swallow, true},
		{"backup", Swallow, true},
		{"restart", Terminate, true},
		{"/stop", Terminate, true},
		{"say hello", Forward, false},
		{"stopwatch", Forward, false},
		{"   ", Forward, false},
		{"", Forward, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			verdict, action := i.Intercept(tt.line)
			assert.Equal(t, tt.verdict, verdict)
			assert.Equal(t, tt.handled, action != nil)
		})
	}
}

func TestInterceptCompatForwards(t *testing.T) {
	compat := true
	i := NewInterceptor(allActions(), func() bool { return compat })

	verdict, action := i.Intercept("reload")
	assert.Equal(t, Forward, verdict)
	assert.NotNil(t, action)

	verdict, action = i.Intercept("save-all")
	assert.Equal(t, Forward, verdict)
	assert.NotNil(t, action)

	verdict, _ = i.Intercept("backup")
	assert.Equal(t, Swallow, verdict)

	compat = false
	verdict, _ = i.Intercept("reload")
	assert.Equal(t, Swallow, verdict)
}

func TestInterceptMissingActionForwards(t *testing.T) {
	i := NewInterceptor(Actions{Stop: noop}, nil)

	verdict, action := i.Intercept("backup")
	assert.Equal(t, Forward, verdict)
	assert.Nil(t, action)

	verdict, _ = i.Intercept("stop")
	assert.Equal(t, Terminate, verdict)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "forward", Forward.String())
	assert.Equal(t, "swallow", Swallow.String())
	assert.Equal(t, "terminate", Terminate.String())
	assert.Equal(t, "unknown", Verdict(9).String())
}
