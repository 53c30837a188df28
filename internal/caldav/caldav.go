// Package caldav reads events from a CalDAV calendar (iCloud by default) and
// exports cached events as iCalendar.
package caldav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"schedcache/internal/models"
	"schedcache/internal/provider"
)

const (
	ICloudEndpoint = "https://caldav.icloud.com/"
	userAgent      = "schedcache/1.0"
)

type Config struct {
	Endpoint string
	Username string
	Password string
	// Calendar is a display name to discover, or a calendar path when it starts with "/".
	Calendar string
}

// authError is returned by the transport when the server rejects the credentials.
type authError struct {
	StatusCode int
}

func (e *authError) Error() string {
	return fmt.Sprintf("caldav server rejected credentials: HTTP %d", e.StatusCode)
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, &authError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Client serves provider queries from a single CalDAV calendar.
type Client struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	calendarPath string
}

var _ provider.Client = (*Client)(nil)

// NewClient connects to the CalDAV server and resolves the configured calendar.
func NewClient(ctx context.Context, logger *slog.Logger, cfg Config) (*Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = ICloudEndpoint
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	c := &Client{caldavClient: caldavClient, logger: logger}

	if strings.HasPrefix(cfg.Calendar, "/") {
		c.calendarPath = cfg.Calendar
		return c, nil
	}

	logger.Info("Finding CalDAV calendar", "calendarName", cfg.Calendar)
	calendarPath, err := c.findCalendar(ctx, cfg.Calendar)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", cfg.Calendar, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)
	return c, nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *Client) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// QueryEvents implements provider.Client. A CalDAV report is not paginated,
// so pageSize is ignored and every call costs one request. A user scope keeps
// the events organized by that address.
func (c *Client) QueryEvents(ctx context.Context, scope models.Scope, window models.DateRange, pageSize int) (provider.Batch, error) {
	if scope.Kind == models.ScopeTeam {
		return provider.Batch{}, provider.Fatal("calendar query", errors.New("caldav has no team scope"))
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start,
				End:   window.End,
			}},
		},
	}

	batch := provider.Batch{Requests: 1}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return batch, classify("calendar query", err)
	}

	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			p := toPayload(comp, obj.ModTime)
			if scope.Kind == models.ScopeUser && (p.Host == nil || !strings.EqualFold(p.Host.Email, scope.Ref)) {
				continue
			}
			raw, err := json.Marshal(p)
			if err != nil {
				c.logger.Warn("Could not encode caldav event", "path", obj.Path, "error", err)
				continue
			}
			batch.Payloads = append(batch.Payloads, raw)
		}
	}
	c.logger.Debug("Fetched CalDAV events", "count", len(batch.Payloads), "path", c.calendarPath)
	return batch, nil
}

func classify(op string, err error) error {
	var aerr *authError
	if errors.As(err, &aerr) {
		return provider.Fatal(op, &provider.HTTPError{StatusCode: aerr.StatusCode, Message: aerr.Error()})
	}
	return provider.Transient(op, err)
}

type person struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type payload struct {
	UID       string   `json:"uid"`
	Summary   string   `json:"summary,omitempty"`
	Status    string   `json:"status,omitempty"`
	Start     string   `json:"dtstart,omitempty"`
	End       string   `json:"dtend,omitempty"`
	Modified  string   `json:"last_modified,omitempty"`
	Location  string   `json:"location,omitempty"`
	Host      *person  `json:"host,omitempty"`
	Attendees []person `json:"attendees,omitempty"`
	EventType string   `json:"event_type_name,omitempty"`
}

// toPayload flattens a VEVENT. Recurrence ids are appended to the UID so
// expanded occurrences stay distinct.
func toPayload(comp *ical.Component, modTime time.Time) payload {
	p := payload{
		UID:     text(comp, ical.PropUID),
		Summary: text(comp, ical.PropSummary),
		Status:  text(comp, ical.PropStatus),
	}
	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil && rid.Value != "" {
		p.UID += "/" + rid.Value
	}
	if p.Status == "" {
		p.Status = "CONFIRMED"
	}

	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err == nil && !start.IsZero() {
		p.Start = start.UTC().Format(time.RFC3339)
		if end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil && !end.IsZero() {
			p.End = end.UTC().Format(time.RFC3339)
		} else if dur := comp.Props.Get(ical.PropDuration); dur != nil {
			if d, err := dur.Duration(); err == nil {
				p.End = start.Add(d).UTC().Format(time.RFC3339)
			}
		}
	}

	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if t, err := comp.Props.DateTime(name, time.UTC); err == nil && !t.IsZero() {
			p.Modified = t.UTC().Format(time.RFC3339)
			break
		}
	}
	if p.Modified == "" && !modTime.IsZero() {
		p.Modified = modTime.UTC().Format(time.RFC3339)
	}

	if loc := text(comp, ical.PropLocation); loc != "" {
		p.Location = loc
	}
	if cats := text(comp, ical.PropCategories); cats != "" {
		p.EventType, _, _ = strings.Cut(cats, ",")
	}

	if org := comp.Props.Get(ical.PropOrganizer); org != nil {
		p.Host = &person{Name: org.Params.Get(ical.ParamCommonName), Email: mailto(org.Value)}
	}
	for _, att := range comp.Props.Values(ical.PropAttendee) {
		email := mailto(att.Value)
		if p.Host != nil && email != "" && strings.EqualFold(email, p.Host.Email) {
			continue
		}
		p.Attendees = append(p.Attendees, person{Name: att.Params.Get(ical.ParamCommonName), Email: email})
	}
	return p
}

func text(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	v, err := prop.Text()
	if err != nil {
		return strings.TrimSpace(prop.Value)
	}
	return strings.TrimSpace(v)
}

func mailto(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	return strings.ToLower(v)
}
