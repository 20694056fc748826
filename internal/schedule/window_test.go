package schedule

import (
	"testing"
	"time"

	"github.com/ignite/journey-engine/internal/domain"
)

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return parsed.UTC()
}

func TestAddDelay(t *testing.T) {
	from := mustParse(t, "2024-01-01T10:00:00Z")

	cases := []struct {
		value int
		unit  domain.DelayUnit
		want  string
	}{
		{30, domain.DelayMinutes, "2024-01-01T10:30:00Z"},
		{2, domain.DelayHours, "2024-01-01T12:00:00Z"},
		{2, domain.DelayDays, "2024-01-03T10:00:00Z"},
		{1, domain.DelayWeeks, "2024-01-08T10:00:00Z"},
		{0, domain.DelayMinutes, "2024-01-01T10:00:00Z"},
		{-5, domain.DelayHours, "2024-01-01T10:00:00Z"},
	}
	for _, tc := range cases {
		got := AddDelay(from, tc.value, tc.unit)
		if got != mustParse(t, tc.want) {
			t.Errorf("AddDelay(%d %s) = %s, want %s", tc.value, tc.unit, got, tc.want)
		}
	}
}

func TestNextSendWindow_BusinessHours(t *testing.T) {
	window := domain.SendWindow{
		StartHour: 9,
		EndHour:   17,
		DaysOfWeek: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
	}

	t.Run("inside window returns input unchanged", func(t *testing.T) {
		// 2024-01-05 is a Friday; 14:00 UTC is inside a UTC 9-17 window.
		from := mustParse(t, "2024-01-05T14:00:00Z")
		got, err := NextSendWindow("UTC", window, from)
		if err != nil {
			t.Fatalf("NextSendWindow: %v", err)
		}
		if got != from {
			t.Errorf("got %s, want input %s unchanged", got, from)
		}
	})

	t.Run("friday after close rolls to monday open", func(t *testing.T) {
		from := mustParse(t, "2024-01-05T17:01:00Z") // Fri 17:01
		got, err := NextSendWindow("UTC", window, from)
		if err != nil {
			t.Fatalf("NextSendWindow: %v", err)
		}
		want := mustParse(t, "2024-01-08T09:00:00Z") // Mon 09:00
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("early morning waits for opening", func(t *testing.T) {
		from := mustParse(t, "2024-01-03T06:30:00Z") // Wed 06:30
		got, err := NextSendWindow("UTC", window, from)
		if err != nil {
			t.Fatalf("NextSendWindow: %v", err)
		}
		want := mustParse(t, "2024-01-03T09:00:00Z")
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("honors local zone", func(t *testing.T) {
		// 2024-01-05T23:30Z is Fri 18:30 in New York: past close, so the
		// next opening is Monday 09:00 local = 14:00 UTC.
		from := mustParse(t, "2024-01-05T23:30:00Z")
		got, err := NextSendWindow("America/New_York", window, from)
		if err != nil {
			t.Fatalf("NextSendWindow: %v", err)
		}
		want := mustParse(t, "2024-01-08T14:00:00Z")
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})
}

func TestNextTimeOfDay(t *testing.T) {
	t.Run("same day when still ahead", func(t *testing.T) {
		from := mustParse(t, "2024-06-10T08:00:00Z")
		got, err := NextTimeOfDay(from, "10:30", "UTC")
		if err != nil {
			t.Fatalf("NextTimeOfDay: %v", err)
		}
		if want := mustParse(t, "2024-06-10T10:30:00Z"); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("rolls to next day when passed", func(t *testing.T) {
		from := mustParse(t, "2024-06-10T11:00:00Z")
		got, err := NextTimeOfDay(from, "10:30", "UTC")
		if err != nil {
			t.Fatalf("NextTimeOfDay: %v", err)
		}
		if want := mustParse(t, "2024-06-11T10:30:00Z"); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})

	t.Run("dst spring forward shifts the UTC instant", func(t *testing.T) {
		// US DST began 2024-03-10. 09:00 New York is 14:00 UTC before the
		// transition and 13:00 UTC after.
		before := mustParse(t, "2024-03-08T20:00:00Z")
		got, err := NextTimeOfDay(before, "09:00", "America/New_York")
		if err != nil {
			t.Fatalf("NextTimeOfDay: %v", err)
		}
		if want := mustParse(t, "2024-03-09T14:00:00Z"); got != want {
			t.Errorf("pre-DST: got %s, want %s", got, want)
		}

		after := mustParse(t, "2024-03-10T20:00:00Z")
		got, err = NextTimeOfDay(after, "09:00", "America/New_York")
		if err != nil {
			t.Fatalf("NextTimeOfDay: %v", err)
		}
		if want := mustParse(t, "2024-03-11T13:00:00Z"); got != want {
			t.Errorf("post-DST: got %s, want %s", got, want)
		}
	})

	t.Run("bad zone errors", func(t *testing.T) {
		if _, err := NextTimeOfDay(time.Now(), "10:00", "Not/AZone"); err == nil {
			t.Error("expected error for unknown zone")
		}
	})
}

func TestNextWeekday(t *testing.T) {
	// 2024-01-03 is a Wednesday.
	from := mustParse(t, "2024-01-03T15:00:00Z")

	t.Run("same weekday returns input", func(t *testing.T) {
		got, err := NextWeekday(from, time.Wednesday, "UTC")
		if err != nil {
			t.Fatalf("NextWeekday: %v", err)
		}
		if got != from {
			t.Errorf("got %s, want %s", got, from)
		}
	})

	t.Run("advances preserving time of day", func(t *testing.T) {
		got, err := NextWeekday(from, time.Monday, "UTC")
		if err != nil {
			t.Fatalf("NextWeekday: %v", err)
		}
		if want := mustParse(t, "2024-01-08T15:00:00Z"); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	})
}

func TestMaterializeWait(t *testing.T) {
	from := mustParse(t, "2024-01-01T10:00:00Z")

	t.Run("relative delay only", func(t *testing.T) {
		due, err := MaterializeWait(domain.WaitConfig{Value: 2, Unit: domain.DelayDays}, "UTC", from)
		if err != nil {
			t.Fatalf("MaterializeWait: %v", err)
		}
		if want := mustParse(t, "2024-01-03T10:00:00Z"); due != want {
			t.Errorf("got %s, want %s", due, want)
		}
	})

	t.Run("delay then until_time snap", func(t *testing.T) {
		cfg := domain.WaitConfig{Value: 1, Unit: domain.DelayDays, UntilTime: "08:00"}
		due, err := MaterializeWait(cfg, "UTC", from)
		if err != nil {
			t.Fatalf("MaterializeWait: %v", err)
		}
		// +1d lands at 10:00 Jan 2; the next 08:00 is Jan 3.
		if want := mustParse(t, "2024-01-03T08:00:00Z"); due != want {
			t.Errorf("got %s, want %s", due, want)
		}
	})

	t.Run("zero wait is due immediately", func(t *testing.T) {
		due, err := MaterializeWait(domain.WaitConfig{Value: 0, Unit: domain.DelayMinutes}, "UTC", from)
		if err != nil {
			t.Fatalf("MaterializeWait: %v", err)
		}
		if due != from {
			t.Errorf("got %s, want %s", due, from)
		}
	})
}
