// Package normalize turns raw provider payloads into canonical events.
//
// The provider (or a layer in front of it) is known to deliver records in
// inconsistent shapes, including whole records encoded as JSON text. Normalize
// never fails: it yields either an Event or a Skip reason, and degrades
// missing or malformed sub-structures to empty values.
package normalize

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"schedcache/internal/models"
)

// Skip reasons.
const (
	ReasonUndecodable = "undecodable payload"
	ReasonMissingID   = "missing id"
)

// maxTextDepth bounds how many layers of JSON-in-a-string are unwrapped.
const maxTextDepth = 2

// Result is either an Event or a Skip. Fallbacks names fields whose value
// could not be parsed and was replaced by the current time.
type Result struct {
	Event      *models.Event
	SkipReason string
	Fallbacks  []string
}

func (r Result) Skipped() bool { return r.Event == nil }

func skip(reason string) Result { return Result{SkipReason: reason} }

// Normalizer converts raw payloads. The zero value uses time.Now.
type Normalizer struct {
	Now func() time.Time
}

// New returns a Normalizer using now as the clock for lossy fallbacks.
func New(now func() time.Time) *Normalizer {
	return &Normalizer{Now: now}
}

func (n *Normalizer) now() time.Time {
	if n == nil || n.Now == nil {
		return time.Now().UTC()
	}
	return n.Now().UTC()
}

// Normalize converts one raw payload.
func (n *Normalizer) Normalize(raw []byte) Result {
	doc, ok := decode(raw)
	if !ok {
		return skip(ReasonUndecodable)
	}
	if res := doc.Get("resource"); res.IsObject() {
		doc = res
	}

	id := resolveID(doc)
	if id == "" {
		return skip(ReasonMissingID)
	}

	now := n.now()
	var fallbacks []string

	start, ok := firstTime(doc, "start_time", "start", "dtstart")
	if !ok {
		start = now
		fallbacks = append(fallbacks, "scheduled_start")
	}
	end, ok := firstTime(doc, "end_time", "end", "dtend")
	if !ok {
		end = now
		fallbacks = append(fallbacks, "scheduled_end")
	}
	if end.Before(start) {
		end = start
	}

	var modified *time.Time
	if mod, present := firstPresent(doc, "updated_at", "updated", "modified_at", "last_modified"); present {
		t, ok := parseTime(mod)
		if !ok {
			t = now
			fallbacks = append(fallbacks, "remote_modified_at")
		}
		modified = &t
	}

	ev := &models.Event{
		ProviderEventID:  id,
		Name:             strings.TrimSpace(doc.Get("name").String()),
		ScheduledStart:   start,
		ScheduledEnd:     end,
		Status:           models.ParseStatus(strings.TrimSpace(doc.Get("status").String())),
		Host:             extractHost(doc),
		TeamRef:          extractTeam(doc),
		Guests:           extractGuests(doc),
		EventType:        extractEventType(doc),
		Location:         extractLocation(doc),
		RemoteModifiedAt: modified,
		RawPayload:       []byte(doc.Raw),
	}
	if ev.Name == "" {
		ev.Name = strings.TrimSpace(doc.Get("summary").String())
	}
	return Result{Event: ev, Fallbacks: fallbacks}
}

// decode returns the JSON object held by raw, unwrapping text-encoded records.
func decode(raw []byte) (gjson.Result, bool) {
	text := strings.TrimSpace(string(raw))
	for depth := 0; depth <= maxTextDepth; depth++ {
		if text == "" || !gjson.Valid(text) {
			return gjson.Result{}, false
		}
		doc := gjson.Parse(text)
		switch {
		case doc.IsObject():
			return doc, true
		case doc.Type == gjson.String:
			text = strings.TrimSpace(doc.String())
		default:
			return gjson.Result{}, false
		}
	}
	return gjson.Result{}, false
}

func resolveID(doc gjson.Result) string {
	if uri := stringAt(doc, "uri"); uri != "" {
		return lastSegment(uri)
	}
	for _, path := range []string{"id", "uuid", "uid"} {
		if v := stringAt(doc, path); v != "" {
			return v
		}
	}
	return ""
}

// lastSegment reduces a provider URI to its trailing identifier.
func lastSegment(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 && i < len(trimmed)-1 {
		return trimmed[i+1:]
	}
	return trimmed
}

// stringAt returns a scalar at path as trimmed text; objects and arrays yield "".
func stringAt(doc gjson.Result, path string) string {
	v := doc.Get(path)
	switch v.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func firstPresent(doc gjson.Result, paths ...string) (gjson.Result, bool) {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func firstTime(doc gjson.Result, paths ...string) (time.Time, bool) {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			if t, ok := parseTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func extractHost(doc gjson.Result) models.Identity {
	members := doc.Get("event_memberships")
	if members.IsArray() {
		for _, m := range members.Array() {
			if !m.IsObject() {
				continue
			}
			host := models.Identity{
				Ref:   stringAt(m, "user"),
				Email: strings.ToLower(stringAt(m, "user_email")),
				Name:  stringAt(m, "user_name"),
			}
			if !host.IsZero() {
				return host
			}
		}
	}
	if h := doc.Get("host"); h.IsObject() {
		return identityFrom(h)
	}
	return models.Identity{}
}

func extractTeam(doc gjson.Result) string {
	profile := doc.Get("event_type.profile")
	if profile.IsObject() && strings.EqualFold(stringAt(profile, "type"), "team") {
		if owner := stringAt(profile, "owner"); owner != "" {
			return owner
		}
	}
	team := doc.Get("team")
	if team.IsObject() {
		return stringAt(team, "uri")
	}
	return stringAt(doc, "team")
}

func extractGuests(doc gjson.Result) []models.Identity {
	guests := []models.Identity{}
	seen := map[string]bool{}
	add := func(g models.Identity) {
		if g.IsZero() {
			return
		}
		if g.Email != "" {
			if seen[g.Email] {
				return
			}
			seen[g.Email] = true
		}
		guests = append(guests, g)
	}
	for _, path := range []string{"invitees", "event_guests", "attendees"} {
		list := doc.Get(path)
		if !list.IsArray() {
			continue
		}
		for _, item := range list.Array() {
			switch {
			case item.IsObject():
				add(identityFrom(item))
			case item.Type == gjson.String:
				add(models.Identity{Email: strings.ToLower(strings.TrimSpace(item.String()))})
			}
		}
	}
	return guests
}

func identityFrom(v gjson.Result) models.Identity {
	id := models.Identity{
		Name:  stringAt(v, "name"),
		Email: strings.ToLower(stringAt(v, "email")),
		Ref:   stringAt(v, "uri"),
	}
	if id.Ref == "" {
		id.Ref = stringAt(v, "id")
	}
	return id
}

func extractEventType(doc gjson.Result) *models.EventTypeMeta {
	meta := &models.EventTypeMeta{}
	et := doc.Get("event_type")
	switch {
	case et.IsObject():
		meta.Ref = stringAt(et, "uri")
		meta.Name = stringAt(et, "name")
		if d := et.Get("duration"); d.Type == gjson.Number || d.Type == gjson.String {
			meta.Duration = int(d.Int())
		}
	case et.Type == gjson.String:
		meta.Ref = strings.TrimSpace(et.String())
	}
	if meta.Name == "" {
		meta.Name = stringAt(doc, "event_type_name")
	}
	if meta.Ref == "" && meta.Name == "" && meta.Duration == 0 {
		return nil
	}
	return meta
}

func extractLocation(doc gjson.Result) *models.Location {
	loc := doc.Get("location")
	switch {
	case loc.IsObject():
		out := &models.Location{Type: stringAt(loc, "type")}
		for _, p := range []string{"location", "join_url", "address", "value"} {
			if v := stringAt(loc, p); v != "" {
				out.Value = v
				break
			}
		}
		if out.Type == "" && out.Value == "" {
			return nil
		}
		return out
	case loc.Type == gjson.String && strings.TrimSpace(loc.String()) != "":
		return &models.Location{Value: strings.TrimSpace(loc.String())}
	default:
		return nil
	}
}
