package tid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTIDIsMonotonic(t *testing.T) {
	prev := TID()
	for range 100 {
		next := TID()
		assert.Greater(t, next, prev)
		prev = next
	}
}
