package caldav

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"schedcache/internal/models"
)

const productID = "-//schedcache//EN"

// EncodeEvents writes events as one VCALENDAR. stamp is used for DTSTAMP.
func EncodeEvents(w io.Writer, events []models.Event, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	for i := range events {
		cal.Children = append(cal.Children, toICal(&events[i], stamp))
	}
	if len(cal.Children) == 0 {
		// go-ical refuses an empty calendar; an empty export is still valid for readers
		_, err := io.WriteString(w, "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:"+productID+"\r\nEND:VCALENDAR\r\n")
		return err
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode events to iCal format: %w", err)
	}
	return nil
}

// toICal converts a cached event to a VEVENT.
func toICal(event *models.Event, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.ProviderEventID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.ScheduledStart.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.ScheduledEnd.UTC())
	if event.Name != "" {
		ve.Props.SetText(ical.PropSummary, event.Name)
	}
	switch event.Status {
	case models.StatusActive:
		ve.Props.SetText(ical.PropStatus, "CONFIRMED")
	case models.StatusCanceled:
		ve.Props.SetText(ical.PropStatus, "CANCELLED")
	}
	if event.RemoteModifiedAt != nil {
		ve.Props.SetDateTime(ical.PropLastModified, event.RemoteModifiedAt.UTC())
	}
	if event.Location != nil && event.Location.Value != "" {
		ve.Props.SetText(ical.PropLocation, event.Location.Value)
	}
	if event.EventType != nil && event.EventType.Name != "" {
		ve.Props.SetText(ical.PropCategories, event.EventType.Name)
	}
	if event.Host.Email != "" {
		ve.Props.Add(addressProp(ical.PropOrganizer, event.Host))
	}
	for _, guest := range event.Guests {
		if guest.Email == "" {
			continue
		}
		ve.Props.Add(addressProp(ical.PropAttendee, guest))
	}
	return ve
}

func addressProp(name string, id models.Identity) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = "mailto:" + id.Email
	p.SetValueType(ical.ValueCalendarAddress)
	if id.Name != "" {
		p.Params.Set(ical.ParamCommonName, id.Name)
	}
	return p
}
