package dispatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlreadySeenWindow(t *testing.T) {
	d := &D{seen: make(map[string]struct{}, seenCapacity)}
	assert.False(t, d.alreadySeen("ev1"))
	assert.True(t, d.alreadySeen("ev1"))
	assert.False(t, d.alreadySeen("ev2"))
}

func TestAlreadySeenEvictsOldestBeyondCapacity(t *testing.T) {
	d := &D{seen: make(map[string]struct{}, seenCapacity)}
	for i := 0; i < seenCapacity+1; i++ {
		d.alreadySeen(fmt.Sprintf("ev%d", i))
	}
	// the first id fell out of the window and counts as new again
	assert.False(t, d.alreadySeen("ev0"))
	// a recent one is still present
	assert.True(t, d.alreadySeen(fmt.Sprintf("ev%d", seenCapacity)))
}
