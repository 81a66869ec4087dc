package watch

import (
	"strings"
	"time"
)

// Spinner shows event activity with dots that fade after the last event.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent() {
	s.dots = 5
	s.lastEvent = time.Now()
}

// Decay drops one dot per two seconds of silence.
func (s *Spinner) Decay() {
	if s.dots == 0 {
		return
	}
	left := 5 - int(time.Since(s.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < s.dots {
		s.dots = left
	}
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < s.dots {
			b.WriteString(theme.DotActive.Render("●"))
		} else {
			b.WriteString(theme.DotInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time { return s.lastEvent }
