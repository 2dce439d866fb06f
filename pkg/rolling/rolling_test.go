package rolling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_Average(t *testing.T) {
	w := NewWindow(time.Second)
	now := time.Now()
	w.Add(now, 10)
	w.Add(now.Add(100*time.Millisecond), 20)
	w.Add(now.Add(200*time.Millisecond), 30)
	assert.Equal(t, 20.0, w.Average(now.Add(250*time.Millisecond)))
}

func TestWindow_Expiry(t *testing.T) {
	w := NewWindow(time.Second)
	now := time.Now()
	w.Add(now, 100)
	w.Add(now.Add(900*time.Millisecond), 10)
	// The first sample falls out of the window after one second.
	assert.Equal(t, 10.0, w.Average(now.Add(1100*time.Millisecond)))
	assert.Equal(t, 1, w.Len(now.Add(1100*time.Millisecond)))
	// Everything expires eventually.
	assert.Equal(t, 0.0, w.Average(now.Add(5*time.Second)))
	assert.Equal(t, 0, w.Len(now.Add(5*time.Second)))
}

func TestWindow_PerSecond(t *testing.T) {
	w := NewWindow(2 * time.Second)
	now := time.Now()
	w.Add(now, 1000)
	w.Add(now.Add(time.Second), 3000)
	assert.Equal(t, 2000.0, w.PerSecond(now.Add(1500*time.Millisecond)))
}

func TestWindow_EmptyAverageIsZero(t *testing.T) {
	w := NewWindow(time.Second)
	assert.Equal(t, 0.0, w.Average(time.Now()))
}
