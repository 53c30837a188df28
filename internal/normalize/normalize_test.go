package normalize

import (
	"strconv"
	"testing"
	"time"

	"schedcache/internal/models"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return New(func() time.Time { return fixedNow })
}

const fullPayload = `{
	"uri": "https://api.example.com/scheduled_events/EVT123",
	"name": "Intro call",
	"status": "active",
	"start_time": "2024-01-02T15:00:00.000000Z",
	"end_time": "2024-01-02T15:30:00.000000Z",
	"updated_at": "2024-01-01T10:00:00.123456Z",
	"location": {"type": "zoom", "join_url": "https://zoom.example/j/1"},
	"event_type": {
		"uri": "https://api.example.com/event_types/ET1",
		"name": "30 Minute Meeting",
		"duration": 30,
		"profile": {"type": "Team", "owner": "https://api.example.com/groups/T1"}
	},
	"event_memberships": [
		{"user": "https://api.example.com/users/U1", "user_email": "Host@Example.com", "user_name": "Hana Host"}
	],
	"invitees": [
		{"name": "Gus Guest", "email": "gus@example.com", "uri": "https://api.example.com/invitees/I1"},
		{"name": "Gus Again", "email": "GUS@example.com"}
	],
	"event_guests": [{"email": "pat@example.com"}]
}`

func TestNormalizeFullPayload(t *testing.T) {
	res := newTestNormalizer().Normalize([]byte(fullPayload))
	if res.Skipped() {
		t.Fatalf("expected event, got skip %q", res.SkipReason)
	}
	ev := res.Event
	if ev.ProviderEventID != "EVT123" {
		t.Fatalf("expected id EVT123, got %q", ev.ProviderEventID)
	}
	if ev.Name != "Intro call" || ev.Status != models.StatusActive {
		t.Fatalf("unexpected name/status: %q %q", ev.Name, ev.Status)
	}
	wantStart := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	if !ev.ScheduledStart.Equal(wantStart) || !ev.ScheduledEnd.Equal(wantStart.Add(30*time.Minute)) {
		t.Fatalf("unexpected times: %s - %s", ev.ScheduledStart, ev.ScheduledEnd)
	}
	if ev.RemoteModifiedAt == nil || !ev.RemoteModifiedAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 123456000, time.UTC)) {
		t.Fatalf("unexpected remote modified: %v", ev.RemoteModifiedAt)
	}
	if ev.Host.Ref != "https://api.example.com/users/U1" || ev.Host.Email != "host@example.com" || ev.Host.Name != "Hana Host" {
		t.Fatalf("unexpected host: %+v", ev.Host)
	}
	if ev.TeamRef != "https://api.example.com/groups/T1" {
		t.Fatalf("unexpected team: %q", ev.TeamRef)
	}
	if ev.GuestCount() != 2 || ev.Guests[0].Email != "gus@example.com" || ev.Guests[1].Email != "pat@example.com" {
		t.Fatalf("unexpected guests: %+v", ev.Guests)
	}
	if ev.EventType == nil || ev.EventType.Name != "30 Minute Meeting" || ev.EventType.Duration != 30 {
		t.Fatalf("unexpected event type: %+v", ev.EventType)
	}
	if ev.Location == nil || ev.Location.Type != "zoom" || ev.Location.Value != "https://zoom.example/j/1" {
		t.Fatalf("unexpected location: %+v", ev.Location)
	}
	if len(res.Fallbacks) != 0 {
		t.Fatalf("expected no fallbacks, got %v", res.Fallbacks)
	}
	if len(ev.RawPayload) == 0 {
		t.Fatalf("expected raw payload to be retained")
	}
}

func TestNormalizeTextEncodedPayload(t *testing.T) {
	encoded := strconv.Quote(`{"uri":"https://api.example.com/scheduled_events/TXT1","status":"canceled","start_time":"2024-01-03T09:00:00Z","end_time":"2024-01-03T10:00:00Z"}`)
	res := newTestNormalizer().Normalize([]byte(encoded))
	if res.Skipped() {
		t.Fatalf("expected text-encoded record to decode, got skip %q", res.SkipReason)
	}
	if res.Event.ProviderEventID != "TXT1" || res.Event.Status != models.StatusCanceled {
		t.Fatalf("unexpected event: %+v", res.Event)
	}

	double := strconv.Quote(encoded)
	if res := newTestNormalizer().Normalize([]byte(double)); res.Skipped() {
		t.Fatalf("expected doubly encoded record to decode, got skip %q", res.SkipReason)
	}
}

func TestNormalizeSkips(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"malformed string", `"this is not json {"`, ReasonUndecodable},
		{"truncated object", `{"uri": "abc"`, ReasonUndecodable},
		{"empty", ``, ReasonUndecodable},
		{"array", `[1,2,3]`, ReasonUndecodable},
		{"number", `42`, ReasonUndecodable},
		{"missing id", `{"name":"No id","start_time":"2024-01-01T00:00:00Z"}`, ReasonMissingID},
		{"object id", `{"id":{"nested":true}}`, ReasonMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestNormalizer().Normalize([]byte(tt.raw))
			if !res.Skipped() {
				t.Fatalf("expected skip, got event %+v", res.Event)
			}
			if res.SkipReason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, res.SkipReason)
			}
		})
	}
}

func TestNormalizeUnparsableTimesFallBackToNow(t *testing.T) {
	raw := `{"id":"E1","start_time":"next tuesday","end_time":null,"updated_at":"yesterday-ish"}`
	res := newTestNormalizer().Normalize([]byte(raw))
	if res.Skipped() {
		t.Fatalf("expected lossy event, got skip %q", res.SkipReason)
	}
	ev := res.Event
	if !ev.ScheduledStart.Equal(fixedNow) || !ev.ScheduledEnd.Equal(fixedNow) {
		t.Fatalf("expected now fallback, got %s - %s", ev.ScheduledStart, ev.ScheduledEnd)
	}
	if ev.RemoteModifiedAt == nil || !ev.RemoteModifiedAt.Equal(fixedNow) {
		t.Fatalf("expected modified fallback to now, got %v", ev.RemoteModifiedAt)
	}
	if len(res.Fallbacks) != 3 {
		t.Fatalf("expected three fallbacks, got %v", res.Fallbacks)
	}
}

func TestNormalizeMalformedSubStructures(t *testing.T) {
	raw := `{
		"id": "E2",
		"start_time": "2024-01-05T08:00:00Z",
		"end_time": "2024-01-05T09:00:00Z",
		"event_memberships": "oops",
		"invitees": {"not": "a list"},
		"event_type": 17,
		"location": ["x"],
		"status": "something-else"
	}`
	res := newTestNormalizer().Normalize([]byte(raw))
	if res.Skipped() {
		t.Fatalf("expected event, got skip %q", res.SkipReason)
	}
	ev := res.Event
	if !ev.Host.IsZero() || ev.GuestCount() != 0 || ev.EventType != nil || ev.Location != nil {
		t.Fatalf("expected empty defaults, got %+v", ev)
	}
	if ev.Guests == nil {
		t.Fatalf("expected empty, non-nil guest list")
	}
	if ev.Status != models.StatusCompleted {
		t.Fatalf("expected unknown status to map to completed, got %q", ev.Status)
	}
	if ev.RemoteModifiedAt != nil {
		t.Fatalf("expected absent modified timestamp to stay nil")
	}
}

func TestNormalizeAlternateShapes(t *testing.T) {
	raw := `{"resource": {
		"id": "g-1",
		"summary": "Standup",
		"status": "confirmed",
		"start": {"dateTime": "2024-01-04T09:00:00+02:00"},
		"end": {"date": "2024-01-05"},
		"updated": 1704067200,
		"event_type": "https://api.example.com/event_types/ET9",
		"location": "Room 4",
		"attendees": ["A@example.com", {"email": "b@example.com", "name": "Bea"}],
		"host": {"name": "Org", "email": "org@example.com", "uri": "u-org"}
	}}`
	res := newTestNormalizer().Normalize([]byte(raw))
	if res.Skipped() {
		t.Fatalf("expected event, got skip %q", res.SkipReason)
	}
	ev := res.Event
	if ev.Name != "Standup" || ev.Status != models.StatusActive {
		t.Fatalf("unexpected name/status %q %q", ev.Name, ev.Status)
	}
	if !ev.ScheduledStart.Equal(time.Date(2024, 1, 4, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", ev.ScheduledStart)
	}
	if !ev.ScheduledEnd.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %s", ev.ScheduledEnd)
	}
	if ev.RemoteModifiedAt == nil || ev.RemoteModifiedAt.Unix() != 1704067200 {
		t.Fatalf("unexpected modified %v", ev.RemoteModifiedAt)
	}
	if ev.EventType == nil || ev.EventType.Ref != "https://api.example.com/event_types/ET9" {
		t.Fatalf("unexpected event type %+v", ev.EventType)
	}
	if ev.Location == nil || ev.Location.Value != "Room 4" {
		t.Fatalf("unexpected location %+v", ev.Location)
	}
	if ev.GuestCount() != 2 || ev.Guests[0].Email != "a@example.com" {
		t.Fatalf("unexpected guests %+v", ev.Guests)
	}
	if ev.Host.Ref != "u-org" {
		t.Fatalf("unexpected host %+v", ev.Host)
	}
}

func TestParseTimeFormats(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, in := range []string{
		"2024-01-02T03:04:05Z",
		"2024-01-02T03:04:05.000000Z",
		"2024-01-02T04:04:05+01:00",
		"2024-01-02T03:04:05",
		"2024-01-02 03:04:05",
		"20240102T030405Z",
		"Tue, 02 Jan 2024 03:04:05 +0000",
	} {
		got, ok := ParseTime(in)
		if !ok {
			t.Errorf("ParseTime(%q) failed", in)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %s, want %s", in, got, want)
		}
	}
	if _, ok := ParseTime("not a time"); ok {
		t.Fatalf("expected garbage to fail")
	}
}
