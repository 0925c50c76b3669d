package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/apperr"
	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SourcePrefixICS prefixes the source of events imported from a calendar feed.
const SourcePrefixICS = "ics:"

const (
	maxOccurrencesPerEvent = 10000
	maxExpansionSteps      = 100000
	icsDateLayout          = "20060102"
	icsDateTimeLayout      = "20060102T150405"
	icsUTCLayout           = "20060102T150405Z"
)

var (
	// ErrEmptyCalendar indicates an empty ICS payload.
	ErrEmptyCalendar = errors.New("events: empty calendar payload")
	// ErrInvalidCalendar indicates an ICS payload that could not be parsed.
	ErrInvalidCalendar = errors.New("events: invalid calendar payload")
	// ErrInvalidSource indicates a blank import source identifier.
	ErrInvalidSource = errors.New("events: import source required")
)

// ExpandWindow bounds the occurrences produced from recurring entries.
type ExpandWindow struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// ImportedEvent is one dated occurrence read from a calendar feed.
type ImportedEvent struct {
	ExternalUID string
	Date        calendar.Date
	Title       string
	Description string
	Location    string
}

// ImportResult counts the changes applied by an import.
type ImportResult struct {
	Created int
	Updated int
	Removed int
	Skipped int
}

type parsedEntry struct {
	uid         string
	summary     string
	description string
	location    string
	start       time.Time
	allDay      bool
	rawRRule    string
	exDates     []time.Time
	recurrence  *time.Time
	// recurrenceAllDay reports a VALUE=DATE RECURRENCE-ID.
	recurrenceAllDay bool
}

// ParseCalendar reads VEVENTs from an ICS payload and expands recurrences
// inside the window. Each occurrence becomes one dated event whose external
// UID combines the VEVENT UID with the occurrence date.
func ParseCalendar(body []byte, window ExpandWindow) ([]ImportedEvent, int, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, 0, ErrEmptyCalendar
	}
	location := window.Location
	if location == nil {
		location = time.UTC
	}
	parsed, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidCalendar, err)
	}

	skipped := 0
	bases := make([]parsedEntry, 0)
	overrides := make([]parsedEntry, 0)
	for _, component := range parsed.Events() {
		entry, ok := parseEntry(component, location)
		if !ok {
			skipped++
			continue
		}
		if entry.recurrence != nil {
			overrides = append(overrides, entry)
			continue
		}
		bases = append(bases, entry)
	}

	byKey := make(map[string]ImportedEvent)
	for _, entry := range bases {
		starts, ok := occurrenceStarts(entry, window)
		if !ok {
			skipped++
			continue
		}
		for _, start := range starts {
			occurrence := importedFrom(entry, start, location)
			byKey[occurrence.ExternalUID] = occurrence
		}
	}
	for _, entry := range overrides {
		key := occurrenceKey(entry.uid, *entry.recurrence, entry.recurrenceAllDay)
		if _, ok := byKey[key]; !ok {
			continue
		}
		occurrence := importedFrom(entry, entry.start, location)
		occurrence.ExternalUID = key
		byKey[key] = occurrence
	}

	imported := make([]ImportedEvent, 0, len(byKey))
	for _, occurrence := range byKey {
		imported = append(imported, occurrence)
	}
	sort.Slice(imported, func(i, j int) bool {
		if imported[i].Date != imported[j].Date {
			return imported[i].Date < imported[j].Date
		}
		return imported[i].ExternalUID < imported[j].ExternalUID
	})
	return imported, skipped, nil
}

func parseEntry(component *ical.VEvent, location *time.Location) (parsedEntry, bool) {
	var entry parsedEntry
	uidProp := component.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return entry, false
	}
	entry.uid = strings.TrimSpace(uidProp.Value)
	if prop := component.GetProperty(ical.ComponentPropertySummary); prop != nil {
		entry.summary = unescapeText(prop.Value)
	}
	if prop := component.GetProperty(ical.ComponentPropertyDescription); prop != nil {
		entry.description = unescapeText(prop.Value)
	}
	if prop := component.GetProperty(ical.ComponentPropertyLocation); prop != nil {
		entry.location = unescapeText(prop.Value)
	}

	startProp := component.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return entry, false
	}
	entry.allDay = isDateValue(startProp)
	if entry.allDay {
		start, err := time.ParseInLocation(icsDateLayout, strings.TrimSpace(startProp.Value), time.UTC)
		if err != nil {
			return entry, false
		}
		entry.start = start
	} else {
		start, err := component.GetStartAt()
		if err != nil {
			return entry, false
		}
		entry.start = start
	}

	if prop := component.GetProperty(ical.ComponentPropertyRrule); prop != nil {
		entry.rawRRule = strings.TrimSpace(prop.Value)
	}
	for _, prop := range component.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(prop.Value, ",") {
			if instant, err := parseICSTime(part, tzidOf(prop), entry.allDay, location); err == nil {
				entry.exDates = append(entry.exDates, instant)
			}
		}
	}
	if prop := component.GetProperty(ical.ComponentPropertyRecurrenceId); prop != nil {
		allDay := isDateValue(prop)
		if instant, err := parseICSTime(prop.Value, tzidOf(prop), allDay, location); err == nil {
			entry.recurrence = &instant
			entry.recurrenceAllDay = allDay
		}
	}
	return entry, true
}

// occurrenceStarts walks the recurrence set lazily. Expansion stops at the
// window end, after maxOccurrencesPerEvent occurrences, or after
// maxExpansionSteps instants in total, whichever comes first.
func occurrenceStarts(entry parsedEntry, window ExpandWindow) ([]time.Time, bool) {
	if entry.rawRRule == "" {
		if inWindow(entry.start, window) {
			return []time.Time{entry.start}, true
		}
		return nil, true
	}
	option, err := rrule.StrToROption(entry.rawRRule)
	if err != nil {
		return nil, false
	}
	if option.Freq == rrule.SECONDLY || option.Freq == rrule.MINUTELY {
		return nil, false
	}
	option.Dtstart = entry.start
	rule, err := rrule.NewRRule(*option)
	if err != nil {
		return nil, false
	}
	set := &rrule.Set{}
	set.RRule(rule)
	for _, exDate := range entry.exDates {
		set.ExDate(exDate.In(entry.start.Location()))
	}

	starts := make([]time.Time, 0)
	next := set.Iterator()
	for step := 0; step < maxExpansionSteps && len(starts) < maxOccurrencesPerEvent; step++ {
		start, ok := next()
		if !ok {
			break
		}
		if !window.End.IsZero() && start.After(window.End) {
			break
		}
		if !window.Start.IsZero() && start.Before(window.Start) {
			continue
		}
		starts = append(starts, start)
	}
	return starts, true
}

func inWindow(start time.Time, window ExpandWindow) bool {
	if window.Start.IsZero() && window.End.IsZero() {
		return true
	}
	return !start.Before(window.Start) && !start.After(window.End)
}

func importedFrom(entry parsedEntry, start time.Time, location *time.Location) ImportedEvent {
	return ImportedEvent{
		ExternalUID: occurrenceKey(entry.uid, start, entry.allDay),
		Date:        dateOf(start, entry.allDay, location),
		Title:       strings.TrimSpace(entry.summary),
		Description: strings.TrimSpace(entry.description),
		Location:    strings.TrimSpace(entry.location),
	}
}

func dateOf(instant time.Time, allDay bool, location *time.Location) calendar.Date {
	if allDay {
		return calendar.Date(instant.Format(calendar.DateLayout))
	}
	return calendar.DateOf(instant, location)
}

// occurrenceKey identifies one occurrence of a VEVENT: the day for all-day
// entries, the UTC start instant otherwise.
func occurrenceKey(uid string, start time.Time, allDay bool) string {
	if allDay {
		return uid + "@" + start.Format(calendar.DateLayout)
	}
	return uid + "@" + start.UTC().Format(icsUTCLayout)
}

func isDateValue(prop *ical.IANAProperty) bool {
	if prop == nil {
		return false
	}
	if values, ok := prop.ICalParameters["VALUE"]; ok && len(values) > 0 && strings.EqualFold(values[0], "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

func tzidOf(prop *ical.IANAProperty) string {
	if values, ok := prop.ICalParameters["TZID"]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

func parseICSTime(raw, tzid string, allDay bool, fallback *time.Location) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if allDay || !strings.Contains(value, "T") {
		return time.ParseInLocation(icsDateLayout, value[:min(len(value), len(icsDateLayout))], time.UTC)
	}
	if strings.HasSuffix(value, "Z") {
		return time.Parse(icsUTCLayout, value)
	}
	location := fallback
	if tzid != "" {
		if loaded, err := time.LoadLocation(tzid); err == nil {
			location = loaded
		}
	}
	return time.ParseInLocation(icsDateTimeLayout, value, location)
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(value string) string {
	return textUnescaper.Replace(value)
}

// ImportICS synchronizes the events of one feed source with the payload:
// occurrences are upserted by external UID and events of the source missing
// from the payload are removed. One snapshot is published per import.
func (s *Service) ImportICS(ctx context.Context, source string, body []byte) (ImportResult, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return ImportResult{}, ErrInvalidSource
	}
	if !strings.HasPrefix(source, SourcePrefixICS) {
		source = SourcePrefixICS + source
	}
	if s.db == nil {
		return ImportResult{}, apperr.New(opImport, reasonMissingDB, errMissingDatabase)
	}

	now := s.clock()
	window := s.importWindow(now)
	imported, skipped, err := ParseCalendar(body, window)
	if err != nil {
		return ImportResult{}, err
	}
	result := ImportResult{Skipped: skipped}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	transactionErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Event
		if err := tx.Where("source = ?", source).Find(&existing).Error; err != nil {
			return apperr.New(opImport, reasonQuery, err)
		}
		byUID := make(map[string]Event, len(existing))
		for _, event := range existing {
			if event.ExternalUID != nil {
				byUID[*event.ExternalUID] = event
			}
		}

		seen := make(map[string]struct{}, len(imported))
		nowSeconds := now.UTC().Unix()
		for _, occurrence := range imported {
			valid, err := Input{
				Date:        occurrence.Date.String(),
				Title:       occurrence.Title,
				Description: occurrence.Description,
				Location:    occurrence.Location,
			}.validate()
			if err != nil {
				result.Skipped++
				continue
			}
			seen[occurrence.ExternalUID] = struct{}{}

			if stored, ok := byUID[occurrence.ExternalUID]; ok {
				if stored.Date == valid.date.String() && stored.Title == valid.title &&
					stored.Description == valid.description && stored.Location == valid.location {
					continue
				}
				stored.Date = valid.date.String()
				stored.Title = valid.title
				stored.Description = valid.description
				stored.Location = valid.location
				stored.UpdatedAtSeconds = nowSeconds
				if err := tx.Save(&stored).Error; err != nil {
					return apperr.New(opImport, reasonUpdate, err)
				}
				result.Updated++
				continue
			}

			eventID, err := s.idProvider.NewID()
			if err != nil {
				return apperr.New(opImport, reasonIDFailed, err)
			}
			externalUID := occurrence.ExternalUID
			created := Event{
				EventID:          eventID,
				Date:             valid.date.String(),
				Title:            valid.title,
				Description:      valid.description,
				Location:         valid.location,
				Source:           source,
				ExternalUID:      &externalUID,
				CreatedAtSeconds: nowSeconds,
				UpdatedAtSeconds: nowSeconds,
			}
			if err := tx.Create(&created).Error; err != nil {
				return apperr.New(opImport, reasonInsert, err)
			}
			result.Created++
		}

		for uid, stored := range byUID {
			if _, ok := seen[uid]; ok {
				continue
			}
			if err := tx.Where(queryEventID, stored.EventID).Delete(&Event{}).Error; err != nil {
				return apperr.New(opImport, reasonRemove, err)
			}
			result.Removed++
		}
		return nil
	})
	if transactionErr != nil {
		s.logError(opImport, "transaction_failed", transactionErr, zap.String("source", source))
		return ImportResult{}, transactionErr
	}

	s.loggerOrDefault().Info("calendar feed imported",
		zap.String("source", source),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
		zap.Int("skipped", result.Skipped))
	if result.Created+result.Updated+result.Removed > 0 {
		s.publishLocked(ctx)
	}
	return result, nil
}

func (s *Service) importWindow(now time.Time) ExpandWindow {
	location := s.location
	if location == nil {
		location = time.UTC
	}
	local := now.In(location)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, location)
	return ExpandWindow{
		Start:    startOfDay.Add(-s.importLookback),
		End:      startOfDay.Add(s.importHorizon),
		Location: location,
	}
}
