package status

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name string
		in   []Status
		want Status
	}{
		{name: "empty", in: nil, want: Success},
		{name: "all success", in: []Status{Success, Success}, want: Success},
		{name: "one warning", in: []Status{Success, Warning, Success}, want: Warning},
		{name: "warning then failed", in: []Status{Warning, Failed}, want: Failed},
		{name: "failed first", in: []Status{Failed, Success, Warning}, want: Failed},
		{name: "unknown treated as failed", in: []Status{Success, Status("bogus")}, want: Status("bogus")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.in...))
		})
	}
}

func TestFold_OrderIndependent(t *testing.T) {
	all := []Status{Success, Warning, Failed}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		n := rng.Intn(8)
		seq := make([]Status, n)
		for j := range seq {
			seq[j] = all[rng.Intn(len(all))]
		}
		want := Fold(seq...)

		shuffled := append([]Status(nil), seq...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Fold(shuffled...), "seq=%v", seq)

		var hasFailed, hasWarning bool
		for _, s := range seq {
			hasFailed = hasFailed || s == Failed
			hasWarning = hasWarning || s == Warning
		}
		switch {
		case hasFailed:
			assert.Equal(t, Failed, want)
		case hasWarning:
			assert.Equal(t, Warning, want)
		default:
			assert.Equal(t, Success, want)
		}
	}
}

func TestNumeric(t *testing.T) {
	assert.Equal(t, 1.0, Success.Numeric())
	assert.Equal(t, 0.5, Warning.Numeric())
	assert.Equal(t, 0.0, Failed.Numeric())
}

func TestParse(t *testing.T) {
	s, err := Parse("warning")
	require.NoError(t, err)
	assert.Equal(t, Warning, s)

	_, err = Parse("partial")
	assert.Error(t, err)
}
