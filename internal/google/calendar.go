package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"schedcache/internal/models"
	"schedcache/internal/provider"
)

const (
	credentialsFile = "credentials.json"
	defaultCalendar = "primary"
	maxPages        = 500
)

// CalendarClient serves provider queries from the Google Calendar API.
// A user scope names the calendar to read; all scopes reads every
// configured calendar.
type CalendarClient struct {
	service     *calendar.Service
	logger      *slog.Logger
	calendarIDs []string
}

var _ provider.Client = (*CalendarClient)(nil)

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file; when empty the first
// token file found is used.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName string, calendarIDs []string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	if accountName == "" {
		accounts, err := GetTokenAccounts()
		if err != nil || len(accounts) == 0 {
			return nil, errors.New("no token files found. Please run the 'auth' command first")
		}
		accountName = accounts[0]
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return NewFromService(logger, service, calendarIDs), nil
}

// NewFromService wraps an already configured calendar service.
func NewFromService(logger *slog.Logger, service *calendar.Service, calendarIDs []string) *CalendarClient {
	var ids []string
	for _, id := range calendarIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = []string{defaultCalendar}
	}
	return &CalendarClient{service: service, logger: logger, calendarIDs: ids}
}

// QueryEvents implements provider.Client.
func (c *CalendarClient) QueryEvents(ctx context.Context, scope models.Scope, window models.DateRange, pageSize int) (provider.Batch, error) {
	var calendarIDs []string
	switch scope.Kind {
	case models.ScopeUser:
		calendarIDs = []string{scope.Ref}
	case models.ScopeTeam:
		return provider.Batch{}, provider.Fatal("list events", errors.New("google calendar has no team scope"))
	default:
		calendarIDs = c.calendarIDs
	}

	var batch provider.Batch
	for _, calID := range calendarIDs {
		if err := c.listEvents(ctx, calID, window, pageSize, &batch); err != nil {
			return batch, err
		}
	}
	return batch, nil
}

func (c *CalendarClient) listEvents(ctx context.Context, calendarID string, window models.DateRange, pageSize int, batch *provider.Batch) error {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "window_start", window.Start, "window_end", window.End)
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		call := c.service.Events.List(calendarID).
			Context(ctx).
			ShowDeleted(true).
			SingleEvents(true).
			TimeMin(window.Start.Format(time.RFC3339)).
			TimeMax(window.End.Format(time.RFC3339)).
			OrderBy("startTime")
		if pageSize > 0 {
			call = call.MaxResults(int64(pageSize))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		batch.Requests++
		events, err := call.Do()
		if err != nil {
			return classify("list events", err)
		}
		for _, item := range events.Items {
			raw, err := json.Marshal(toPayload(item, calendarID))
			if err != nil {
				c.logger.Warn("Could not encode google event", "id", item.Id, "error", err)
				continue
			}
			batch.Payloads = append(batch.Payloads, raw)
		}

		if events.NextPageToken == "" || events.NextPageToken == pageToken {
			c.logger.Info("Successfully fetched events from Google Calendar", "count", len(batch.Payloads), "calendarID", calendarID)
			return nil
		}
		pageToken = events.NextPageToken
	}
	return provider.Transient("list events", fmt.Errorf("pagination exceeded %d pages", maxPages))
}

// classify maps Google API failures onto the provider error taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		httpErr := &provider.HTTPError{StatusCode: gerr.Code, Message: gerr.Message}
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden || gerr.Code == http.StatusNotFound {
			return provider.Fatal(op, httpErr)
		}
		return provider.Transient(op, httpErr)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return provider.Fatal(op, err)
	}
	return provider.Transient(op, err)
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type person struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	URI   string `json:"uri,omitempty"`
}

type payload struct {
	ID        string     `json:"id"`
	UID       string     `json:"uid,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Status    string     `json:"status,omitempty"`
	Start     *eventTime `json:"start,omitempty"`
	End       *eventTime `json:"end,omitempty"`
	Updated   string     `json:"updated,omitempty"`
	Location  string     `json:"location,omitempty"`
	Host      *person    `json:"host,omitempty"`
	Attendees []person   `json:"attendees,omitempty"`
	EventType string     `json:"event_type_name,omitempty"`
}

// toPayload flattens a Google event into a shape the normalizer reads. The
// calendar id becomes the host reference so user scopes match it.
func toPayload(item *calendar.Event, calendarID string) payload {
	p := payload{
		ID:        item.Id,
		UID:       item.ICalUID,
		Summary:   item.Summary,
		Status:    item.Status,
		Updated:   item.Updated,
		Location:  item.Location,
		EventType: item.EventType,
		Host:      &person{URI: calendarID},
	}
	if item.Start != nil {
		p.Start = &eventTime{DateTime: item.Start.DateTime, Date: item.Start.Date}
	}
	if item.End != nil {
		p.End = &eventTime{DateTime: item.End.DateTime, Date: item.End.Date}
	}
	if item.Organizer != nil {
		p.Host.Name = item.Organizer.DisplayName
		p.Host.Email = item.Organizer.Email
	}
	for _, a := range item.Attendees {
		if a == nil || a.Organizer || a.Resource {
			continue
		}
		p.Attendees = append(p.Attendees, person{Name: a.DisplayName, Email: a.Email})
	}
	return p
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit configuration over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide SCHEDCACHE_GOOGLE_CLIENT_ID and SCHEDCACHE_GOOGLE_CLIENT_SECRET or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// DiscoverGoogleCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverGoogleCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// GetTokenAccounts lists the accounts that have a token file in the working directory.
func GetTokenAccounts() ([]string, error) {
	files, err := os.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
