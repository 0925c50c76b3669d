package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	"github.com/MarcoPoloResearchLab/harbor/internal/events"
	"github.com/gin-gonic/gin"
)

const noticeRemindersUnavailable = "reminders_unavailable"

type entryPayload struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Text        string `json:"text,omitempty"`
	Date        string `json:"date,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	MapURL      string `json:"map_url,omitempty"`
}

type calendarViewPayload struct {
	SelectedDate string                   `json:"selected_date"`
	Date         string                   `json:"date"`
	Items        []entryPayload           `json:"items"`
	Marks        map[string]calendar.Mark `json:"marks"`
	PersistError string                   `json:"persist_error,omitempty"`
	Notice       string                   `json:"notice,omitempty"`
}

type reminderMutationPayload struct {
	Applied   bool                `json:"applied"`
	Persisted bool                `json:"persisted"`
	Reminder  *calendar.Reminder  `json:"reminder,omitempty"`
	View      calendarViewPayload `json:"view"`
}

type selectDateRequest struct {
	Date string `json:"date"`
}

type addReminderRequest struct {
	Text string `json:"text"`
	Date string `json:"date"`
}

func newCalendarViewPayload(view calendar.View) calendarViewPayload {
	items := make([]entryPayload, 0, len(view.Items))
	for _, entry := range view.Items {
		switch entry.Kind {
		case calendar.EntryKindReminder:
			if entry.Reminder == nil {
				continue
			}
			items = append(items, entryPayload{
				Kind: string(entry.Kind),
				ID:   entry.Reminder.ID,
				Text: entry.Reminder.Text,
			})
		case calendar.EntryKindSharedEvent:
			if entry.SharedEvent == nil {
				continue
			}
			items = append(items, entryPayload{
				Kind:        string(entry.Kind),
				ID:          entry.SharedEvent.ID,
				Date:        entry.SharedEvent.Date,
				Title:       entry.SharedEvent.Title,
				Description: entry.SharedEvent.Description,
				Location:    entry.SharedEvent.Location,
				MapURL:      events.MapURL(entry.SharedEvent.Location),
			})
		}
	}
	marks := make(map[string]calendar.Mark, len(view.Marks))
	for date, mark := range view.Marks {
		marks[date.String()] = mark
	}
	payload := calendarViewPayload{
		SelectedDate: view.SelectedDate.String(),
		Date:         view.Day.String(),
		Items:        items,
		Marks:        marks,
	}
	if view.PersistError != nil {
		payload.PersistError = "reminders_not_saved"
	}
	return payload
}

func (h *httpHandler) acquireSession(c *gin.Context) (*calendar.Session, bool) {
	session, err := h.calendar.Acquire(c.Request.Context(), currentUserID(c))
	if errors.Is(err, calendar.ErrRegistryClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
		return nil, false
	}
	if err != nil {
		h.respondServiceError(c, "failed to open calendar session", err)
		return nil, false
	}
	return session, true
}

// optionalDate parses an empty value as "use the selected date".
func optionalDate(c *gin.Context, raw string) (calendar.Date, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", true
	}
	date, err := calendar.NewDate(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return "", false
	}
	return date, true
}

func (h *httpHandler) handleCalendarView(c *gin.Context) {
	date, ok := optionalDate(c, c.Query("date"))
	if !ok {
		return
	}
	session, ok := h.acquireSession(c)
	if !ok {
		return
	}
	// Reads never move the selection; PUT /calendar/selection does.
	view := session.View()
	if date != "" {
		view = session.ViewOn(date)
	}
	payload := newCalendarViewPayload(view)
	if session.TakeLoadNotice() != nil {
		payload.Notice = noticeRemindersUnavailable
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleCalendarSelect(c *gin.Context) {
	var request selectDateRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Date) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	date, ok := optionalDate(c, request.Date)
	if !ok {
		return
	}
	session, ok := h.acquireSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newCalendarViewPayload(session.Select(date)))
}

func (h *httpHandler) handleReminderAdd(c *gin.Context) {
	var request addReminderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	date, ok := optionalDate(c, request.Date)
	if !ok {
		return
	}
	session, ok := h.acquireSession(c)
	if !ok {
		return
	}
	result, view := session.AddReminder(c.Request.Context(), date, request.Text)
	h.respondMutation(c, http.StatusCreated, result, view)
}

func (h *httpHandler) handleReminderDelete(c *gin.Context) {
	reminderID := strings.TrimSpace(c.Param("id"))
	if reminderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	date, ok := optionalDate(c, c.Query("date"))
	if !ok {
		return
	}
	session, ok := h.acquireSession(c)
	if !ok {
		return
	}
	result, view := session.DeleteReminder(c.Request.Context(), date, reminderID)
	h.respondMutation(c, http.StatusOK, result, view)
}

func (h *httpHandler) respondMutation(c *gin.Context, appliedStatus int, result calendar.MutationResult, view calendar.View) {
	payload := reminderMutationPayload{
		Applied:   result.Applied,
		Persisted: result.Persisted(),
		View:      newCalendarViewPayload(view),
	}
	if result.Applied && result.Reminder.ID != "" {
		reminder := result.Reminder
		payload.Reminder = &reminder
	}
	status := http.StatusOK
	if result.Applied {
		status = appliedStatus
	}
	c.JSON(status, payload)
}

func (h *httpHandler) handleCalendarStream(c *gin.Context) {
	session, ok := h.acquireSession(c)
	if !ok {
		return
	}
	notices, release := h.calendar.Watch(c.Request.Context(), session.UserID())
	defer release()

	initial := &streamFrame{event: eventCalendarChanged, payload: newCalendarViewPayload(session.View())}
	serveStream(c, h.heartbeat, initial, notices, func(calendar.ChangeNotice) (streamFrame, bool) {
		return streamFrame{event: eventCalendarChanged, payload: newCalendarViewPayload(session.View())}, true
	})
}
