package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"smartcal/internal/log"
	"smartcal/internal/model"
	"smartcal/internal/recur"
	"smartcal/internal/timezone"
)

const eventsCacheTTL = 30 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type eventDTO struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Location       string    `json:"location,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	AllDay         bool      `json:"all_day"`
	Source         string    `json:"source"`
	SourceName     string    `json:"source_name,omitempty"`
	SeriesParentID string    `json:"series_parent_id,omitempty"`
	Protected      bool      `json:"protected"`
}

type eventsResponse struct {
	Events     []eventDTO `json:"events"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	Timezone   string     `json:"timezone"`
}

// handleEvents returns the merged calendar view.
//
// GET /api/events?days=7&backfill=1
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		s.handleCreateEvent(w, r)
		return
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	cacheKey := fmt.Sprintf("%d/%d", days, backfill)

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && ec.key == cacheKey && time.Since(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	now := time.Now().In(s.loc)
	from := timezone.DayStart(now.AddDate(0, 0, -backfill), s.loc)
	to := timezone.DayStart(now.AddDate(0, 0, days+1), s.loc)

	records, err := s.store.List(r.Context(), from, to)
	if err != nil {
		writeFailure(w, err)
		return
	}
	dtos := make([]eventDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toEventDTO(rec))
	}
	resp := eventsResponse{
		Events:     dtos,
		RangeStart: from,
		RangeEnd:   to,
		Timezone:   s.loc.String(),
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{resp: resp, key: cacheKey, updatedAt: time.Now()}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func toEventDTO(rec model.EventRecord) eventDTO {
	return eventDTO{
		ID:             rec.ExternalID,
		Title:          rec.Title,
		Description:    rec.Description,
		Location:       rec.Location,
		Start:          rec.Start,
		End:            rec.End,
		AllDay:         rec.AllDay,
		Source:         string(rec.Source),
		SourceName:     rec.SourceName,
		SeriesParentID: rec.SeriesParentID,
		Protected:      rec.Protected,
	}
}

type presetsResponse struct {
	TermName    string       `json:"term_name,omitempty"`
	TermStart   string       `json:"term_start,omitempty"`
	TermEnd     string       `json:"term_end,omitempty"`
	Holidays    []holidayDTO `json:"holidays"`
	UntilPreset string       `json:"until_preset,omitempty"`
}

type holidayDTO struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// handlePresets exposes the academic calendar so clients can offer
// "until end of term" and one-click holiday exceptions.
func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ac := s.cfg.Academic
	resp := presetsResponse{
		TermName:  ac.TermName,
		TermStart: ac.TermStartDate,
		TermEnd:   ac.TermEndDate,
		Holidays:  make([]holidayDTO, 0, len(ac.Holidays)),
	}
	if ac.TermEndDate != "" {
		resp.UntilPreset = "end_of_term"
	}
	for _, h := range ac.Holidays {
		resp.Holidays = append(resp.Holidays, holidayDTO{Name: h.Name, Start: h.Start, End: h.End})
	}
	writeJSON(w, http.StatusOK, resp)
}

type proposeRequest struct {
	Title           string `json:"title"`
	DurationMinutes int    `json:"duration_minutes"`
	Count           int    `json:"count"`
	RangeStart      string `json:"range_start"`
	RangeEnd        string `json:"range_end"`
	Preference      string `json:"preference,omitempty"`
	AllowSplit      bool   `json:"allow_split,omitempty"`
}

type chunkDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type proposalDTO struct {
	Index       int       `json:"index"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Score       int       `json:"score"`
	SecondChunk *chunkDTO `json:"second_chunk,omitempty"`
}

type proposeResponse struct {
	SessionID string        `json:"session_id"`
	Relaxed   bool          `json:"relaxed"`
	Proposals []proposalDTO `json:"proposals"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// handlePropose runs a free-slot search against the live calendar and
// parks the ranked proposals in a confirmation session.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req proposeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slotReq, err := s.toSlotRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := slotReq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The search may extend past the requested range when proposals run
	// short, so list busy intervals with headroom.
	busy, err := s.busyNow(r.Context(), slotReq.RangeStart, slotReq.RangeEnd.AddDate(0, 0, 8))
	if err != nil {
		writeFailure(w, err)
		return
	}

	result, err := s.searcher.Search(slotReq, busy)
	if err != nil {
		writeFailure(w, err)
		return
	}

	sess := s.sessions.Create(slotReq, result.Candidates, result.Relax)
	resp := proposeResponse{
		SessionID: sess.ID,
		Relaxed:   sess.Relax,
		Proposals: make([]proposalDTO, 0, len(sess.Proposals)),
		ExpiresAt: sess.CreatedAt.Add(s.cfg.SessionTTL()),
	}
	for i, p := range sess.Proposals {
		dto := proposalDTO{Index: i, Start: p.Start, End: p.End, Score: p.Score}
		if p.IsSplit() {
			dto.SecondChunk = &chunkDTO{Start: p.SecondChunk.Start, End: p.SecondChunk.End}
		}
		resp.Proposals = append(resp.Proposals, dto)
	}
	log.Info("proposals created", "session", sess.ID, "count", len(resp.Proposals), "relaxed", sess.Relax)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) toSlotRequest(req proposeRequest) (model.SlotRequest, error) {
	start, err := time.Parse(time.RFC3339, req.RangeStart)
	if err != nil {
		return model.SlotRequest{}, fmt.Errorf("invalid range_start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, req.RangeEnd)
	if err != nil {
		return model.SlotRequest{}, fmt.Errorf("invalid range_end: %w", err)
	}
	pref := model.TimePreference(req.Preference)
	if req.Preference == "" {
		pref = model.PreferNone
	}
	return model.SlotRequest{
		Title:           req.Title,
		DurationMinutes: req.DurationMinutes,
		Count:           req.Count,
		RangeStart:      start.In(s.loc),
		RangeEnd:        end.In(s.loc),
		Preference:      pref,
		AllowSplit:      req.AllowSplit,
	}, nil
}

type confirmSelection struct {
	Index int `json:"index"`
	// StartTime optionally overrides the proposal's start as "HH:MM"
	// on the same day.
	StartTime string `json:"start_time,omitempty"`
}

type confirmRequest struct {
	SessionID  string             `json:"session_id"`
	Selections []confirmSelection `json:"selections"`
}

type confirmResponse struct {
	Created []eventDTO `json:"created"`
}

// handleConfirm consumes a proposal session and materializes the
// selected slots. The session is gone after this call whether or not
// the writes succeed, so a retry goes through a fresh propose.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Selections) == 0 {
		writeFailure(w, ErrNoSelection)
		return
	}

	sess, err := s.sessions.Consume(req.SessionID)
	if err != nil {
		writeFailure(w, err)
		return
	}

	var created []eventDTO
	for _, sel := range req.Selections {
		if sel.Index < 0 || sel.Index >= len(sess.Proposals) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("selection index %d out of range", sel.Index))
			return
		}
		slot := sess.Proposals[sel.Index]
		if sel.StartTime != "" {
			slot, err = s.overrideStart(slot, sel.StartTime)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		for _, span := range slotSpans(slot) {
			rec, err := s.mat.Create(r.Context(), model.EventRecord{
				Title:  sess.Request.Title,
				Start:  span.Start,
				End:    span.End,
				Source: model.SourceSmartAdd,
			})
			if err != nil {
				writeFailure(w, err)
				return
			}
			created = append(created, toEventDTO(rec))
		}
	}
	s.invalidateEventsCache()
	log.Info("proposals confirmed", "session", sess.ID, "events", len(created))
	writeJSON(w, http.StatusOK, confirmResponse{Created: created})
}

// overrideStart re-anchors the slot's first chunk at the given wall
// clock on the same day, preserving its duration.
func (s *Server) overrideStart(slot model.CandidateSlot, hhmm string) (model.CandidateSlot, error) {
	wc, err := model.ParseWallClock(hhmm)
	if err != nil {
		return model.CandidateSlot{}, err
	}
	dur := slot.End.Sub(slot.Start)
	slot.Start = timezone.ToAbsolute(slot.Start, wc, s.loc)
	slot.End = slot.Start.Add(dur)
	return slot, nil
}

func slotSpans(slot model.CandidateSlot) []model.Span {
	spans := []model.Span{{Start: slot.Start, End: slot.End}}
	if slot.IsSplit() {
		spans = append(spans, *slot.SecondChunk)
	}
	return spans
}

type recurrenceDTO struct {
	Frequency   string   `json:"frequency"`
	Interval    int      `json:"interval,omitempty"`
	Days        []string `json:"days,omitempty"`
	Until       string   `json:"until,omitempty"`
	UntilPreset string   `json:"until_preset,omitempty"`
	Exceptions  []struct {
		Start   string `json:"start,omitempty"`
		End     string `json:"end,omitempty"`
		Holiday string `json:"holiday,omitempty"`
	} `json:"exceptions,omitempty"`
}

type createEventRequest struct {
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Location        string         `json:"location,omitempty"`
	Date            string         `json:"date"`
	StartTime       string         `json:"start_time,omitempty"`
	DurationMinutes int            `json:"duration_minutes,omitempty"`
	AllDay          bool           `json:"all_day,omitempty"`
	Recurrence      *recurrenceDTO `json:"recurrence,omitempty"`
}

// handleCreateEvent creates a single event or a recurring series.
//
// POST /api/events
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	start, end, err := s.anchorSpan(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	template := model.EventRecord{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Start:       start,
		End:         end,
		AllDay:      req.AllDay,
		Source:      model.SourceManual,
	}

	if req.Recurrence == nil {
		rec, err := s.mat.Create(r.Context(), template)
		if err != nil {
			writeFailure(w, err)
			return
		}
		s.invalidateEventsCache()
		writeJSON(w, http.StatusOK, confirmResponse{Created: []eventDTO{toEventDTO(rec)}})
		return
	}

	rule, err := s.toRecurrenceRule(*req.Recurrence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	occurrences, err := recur.Expand(rule, start, end, s.termEndFunc())
	if err != nil {
		writeFailure(w, err)
		return
	}
	records, err := s.mat.CreateSeries(r.Context(), template, occurrences)
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.invalidateEventsCache()
	dtos := make([]eventDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toEventDTO(rec))
	}
	writeJSON(w, http.StatusOK, confirmResponse{Created: dtos})
}

func (s *Server) anchorSpan(req createEventRequest) (time.Time, time.Time, error) {
	date, err := time.ParseInLocation("2006-01-02", req.Date, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date: %w", err)
	}
	if req.AllDay {
		return date, date.AddDate(0, 0, 1), nil
	}
	wc, err := model.ParseWallClock(req.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if req.DurationMinutes <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("duration_minutes must be positive")
	}
	start := timezone.ToAbsolute(date, wc, s.loc)
	return start, start.Add(time.Duration(req.DurationMinutes) * time.Minute), nil
}

func (s *Server) toRecurrenceRule(dto recurrenceDTO) (model.RecurrenceRule, error) {
	rule := model.RecurrenceRule{
		Frequency:   model.Frequency(dto.Frequency),
		Interval:    dto.Interval,
		UntilPreset: dto.UntilPreset,
	}
	for _, d := range dto.Days {
		wd, err := parseWeekday(d)
		if err != nil {
			return model.RecurrenceRule{}, err
		}
		rule.DaysOfWeek = append(rule.DaysOfWeek, wd)
	}
	if dto.Until != "" {
		t, err := time.ParseInLocation("2006-01-02", dto.Until, s.loc)
		if err != nil {
			return model.RecurrenceRule{}, fmt.Errorf("invalid until date: %w", err)
		}
		rule.Until = t
	}
	for _, ex := range dto.Exceptions {
		if ex.Holiday != "" {
			rng, err := s.holidayRange(ex.Holiday)
			if err != nil {
				return model.RecurrenceRule{}, err
			}
			rule.Exceptions = append(rule.Exceptions, rng)
			continue
		}
		start, err := time.ParseInLocation("2006-01-02", ex.Start, s.loc)
		if err != nil {
			return model.RecurrenceRule{}, fmt.Errorf("invalid exception start: %w", err)
		}
		rng := model.ExceptionRange{Start: start}
		if ex.End != "" {
			end, err := time.ParseInLocation("2006-01-02", ex.End, s.loc)
			if err != nil {
				return model.RecurrenceRule{}, fmt.Errorf("invalid exception end: %w", err)
			}
			rng.End = end
		}
		rule.Exceptions = append(rule.Exceptions, rng)
	}
	return rule, nil
}

// holidayRange resolves a named holiday from the academic calendar
// into an exception range.
func (s *Server) holidayRange(name string) (model.ExceptionRange, error) {
	for _, h := range s.cfg.Academic.Holidays {
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		start, err := time.ParseInLocation("2006-01-02", h.Start, s.loc)
		if err != nil {
			return model.ExceptionRange{}, fmt.Errorf("holiday %q has invalid start date: %w", name, err)
		}
		rng := model.ExceptionRange{Start: start}
		if h.End != "" {
			end, err := time.ParseInLocation("2006-01-02", h.End, s.loc)
			if err != nil {
				return model.ExceptionRange{}, fmt.Errorf("holiday %q has invalid end date: %w", name, err)
			}
			rng.End = end
		}
		return rng, nil
	}
	return model.ExceptionRange{}, fmt.Errorf("unknown holiday %q", name)
}

func (s *Server) termEndFunc() recur.TermEndFunc {
	return func() (time.Time, bool) {
		t, err := s.cfg.Academic.ResolveTermEnd()
		if err != nil || t.IsZero() {
			return time.Time{}, false
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc), true
	}
}

type updateEventRequest struct {
	ID              string  `json:"id"`
	Scope           string  `json:"scope,omitempty"`
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Location        *string `json:"location,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
}

type updateEventResponse struct {
	Updated []eventDTO `json:"updated"`
}

// handleUpdateEvent edits one event or, with scope "future", the event
// and its remaining series siblings.
//
// POST /api/events/update
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req updateEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	delta := model.EventDelta{
		Title:           req.Title,
		Description:     req.Description,
		Location:        req.Location,
		DurationMinutes: req.DurationMinutes,
	}
	if req.StartTime != nil {
		wc, err := model.ParseWallClock(*req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		delta.StartClock = &wc
	}

	var updated []model.EventRecord
	switch req.Scope {
	case "", "single":
		rec, err := s.mat.Edit(r.Context(), req.ID, delta)
		if err != nil {
			writeFailure(w, err)
			return
		}
		updated = []model.EventRecord{rec}
	case "future":
		var err error
		updated, err = s.mat.EditFuture(r.Context(), req.ID, delta)
		if err != nil {
			writeFailure(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scope %q", req.Scope))
		return
	}

	s.invalidateEventsCache()
	dtos := make([]eventDTO, 0, len(updated))
	for _, rec := range updated {
		dtos = append(dtos, toEventDTO(rec))
	}
	writeJSON(w, http.StatusOK, updateEventResponse{Updated: dtos})
}

type deleteEventRequest struct {
	ID    string `json:"id"`
	Scope string `json:"scope,omitempty"`
}

type deleteEventResponse struct {
	Deleted int `json:"deleted"`
}

// handleDeleteEvent deletes one event or a series tail. Events mirrored
// from protected feeds refuse.
//
// POST /api/events/delete
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req deleteEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	deleted := 0
	switch req.Scope {
	case "", "single":
		if err := s.mat.Delete(r.Context(), req.ID); err != nil {
			writeFailure(w, err)
			return
		}
		deleted = 1
	case "future":
		var err error
		deleted, err = s.mat.DeleteFuture(r.Context(), req.ID)
		if err != nil {
			writeFailure(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scope %q", req.Scope))
		return
	}

	s.invalidateEventsCache()
	writeJSON(w, http.StatusOK, deleteEventResponse{Deleted: deleted})
}

type ingestResponse struct {
	Feeds    int      `json:"feeds"`
	Mirrored int      `json:"mirrored"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// handleIngest runs feed ingestion on demand.
//
// POST /api/ingest
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "feed ingestion not configured")
		return
	}
	sum := s.ingestor.Run(r.Context(), s.cfg.Feeds)
	resp := ingestResponse{Feeds: sum.Feeds, Mirrored: sum.Mirrored, Skipped: sum.Skipped}
	for _, err := range sum.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	s.invalidateEventsCache()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invalidateEventsCache() {
	s.eventsMu.Lock()
	s.eventsCache = nil
	s.eventsMu.Unlock()
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	case "sunday", "sun":
		return time.Sunday, nil
	default:
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
}
