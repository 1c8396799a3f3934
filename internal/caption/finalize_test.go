package caption_test

import (
	"testing"
	"time"

	"github.com/parlay-live/parlance/internal/caption"
)

func TestFinalizationCalculateWaitTime(t *testing.T) {
	t.Parallel()
	e := caption.NewFinalizationEngine(newFakeClock(), caption.DefaultFinalizationConfig())

	tests := []struct {
		name string
		text string
		base time.Duration
		want time.Duration
	}{
		{
			name: "terminated text waits base",
			text: "All done here.",
			base: time.Second,
			want: time.Second,
		},
		{
			name: "short unterminated text clamps to floor",
			text: "just a few words",
			base: time.Second,
			want: 1500 * time.Millisecond,
		},
		{
			// 343 chars: the per-character estimate (3430 ms) exceeds the
			// 3000 ms ceiling.
			name: "long unterminated text clamps to ceiling",
			text: "this is a very long unterminated hypothesis that keeps going and going and going well past the point where the per character scaling would exceed the upper clamp on the wait duration and then keeps stacking clause after clause so the scaled estimate lands far beyond the ceiling no matter how the constants shift around in future tuning passes",
			base: time.Second,
			want: 3 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.CalculateWaitTime(tt.text, tt.base)
			if got != tt.want {
				t.Errorf("CalculateWaitTime(%d chars) = %v, want %v", len(tt.text), got, tt.want)
			}
		})
	}

	t.Run("mid length scales per character", func(t *testing.T) {
		t.Parallel()
		text := "an unterminated hypothesis long enough to land in the middle of the clamp range for the scaled wait computation that keeps on going for a while here and a bit more padding so"
		want := time.Duration(len(text)) * 10 * time.Millisecond
		if want <= 1500*time.Millisecond || want >= 3*time.Second {
			t.Fatalf("test text length %d does not land inside the clamp range", len(text))
		}
		if got := e.CalculateWaitTime(text, time.Second); got != want {
			t.Errorf("CalculateWaitTime(%d chars) = %v, want %v", len(text), got, want)
		}
	})
}

func TestFinalizationIsFalseFinal(t *testing.T) {
	t.Parallel()
	e := caption.NewFinalizationEngine(newFakeClock(), caption.DefaultFinalizationConfig())

	tests := []struct {
		text string
		want bool
	}{
		{"You just can't.", true},
		{"I was going to.", true},
		{"So.", true},
		{"We won the game.", false},
		{"You just can't", false}, // no period
		{"You just cannot imagine how wonderful the view was.", false}, // too long
	}
	for _, tt := range tests {
		if got := e.IsFalseFinal(tt.text); got != tt.want {
			t.Errorf("IsFalseFinal(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFinalizationScheduleRespectsMaxWait(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	cfg := caption.DefaultFinalizationConfig()
	e := caption.NewFinalizationEngine(clock, cfg)

	fired := 0
	now := clock.Now()
	e.Create("still talking", now)

	// Keep extending every 2s; the max-wait deadline must cap the timer.
	for i := 0; i < 10; i++ {
		e.UpdateText("still talking some more", clock.Now())
		e.ScheduleCommit(3*time.Second, clock.Now(), func() { fired++ })
		clock.Advance(2 * time.Second)
		if fired > 0 {
			break
		}
	}
	if fired == 0 {
		t.Fatal("commit never fired despite max-wait deadline")
	}
	if elapsed := clock.Now().Sub(now); elapsed > cfg.MaxWait+time.Second {
		t.Errorf("commit fired after %v, max wait is %v", elapsed, cfg.MaxWait)
	}
}

func TestFinalizationClearStopsTimer(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	e := caption.NewFinalizationEngine(clock, caption.DefaultFinalizationConfig())

	fired := false
	e.Create("pending text", clock.Now())
	e.ScheduleCommit(time.Second, clock.Now(), func() { fired = true })
	e.Clear()
	clock.Advance(5 * time.Second)

	if fired {
		t.Error("timer fired after Clear()")
	}
	if _, ok := e.Pending(); ok {
		t.Error("Pending() still set after Clear()")
	}
}
