package errdef

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without code",
			err:  Validation("step %q has no tool", "start"),
			want: `validation: step "start" has no tool`,
		},
		{
			name: "with code",
			err:  Tool("request failed").WithCode("503"),
			want: "tool [503]: request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad"), KindValidation},
		{"resolution", Resolution("missing"), KindResolution},
		{"transient", Transient("deadlock"), KindTransient},
		{"policy", Policy("cancelled"), KindPolicy},
		{"fatal", Fatal("invariant"), KindFatal},
		{"wrapped by fmt", fmt.Errorf("outer: %w", Transient("inner")), KindTransient},
		{"unclassified defaults to tool", errors.New("plain"), KindTool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransient, cause, "append event")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.NotContains(t, err.Error(), "connection reset")
}

func TestIsKindAndCodeOf(t *testing.T) {
	err := Tool("query failed").WithCode("40P01")

	assert.True(t, IsKind(err, KindTool))
	assert.False(t, IsKind(err, KindPolicy))
	assert.Equal(t, "40P01", CodeOf(err))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}
