package components

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestSparklineWindow(t *testing.T) {
	s := NewSparkline(3, "rps", lipgloss.NewStyle())
	for _, v := range []float64{1, 8, 2, 4} {
		s.Add(v)
	}
	assert.Equal(t, []float64{8, 2, 4}, s.Data)
	assert.Equal(t, 8.0, s.Max())
	assert.Equal(t, "rps\n█▂▄", s.View())
}

func TestSparklinePadsAndHandlesZero(t *testing.T) {
	s := NewSparkline(4, "x", lipgloss.NewStyle())
	s.Add(0)
	assert.Equal(t, "x\n    ", s.View())
}
