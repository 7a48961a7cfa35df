package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/heatmap"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type slotItem struct {
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	DurationMinutes int      `json:"duration_minutes"`
	Status          string   `json:"status"`
	Available       bool     `json:"available"`
	StaffID         string   `json:"staff_id,omitempty"`
	FreeStaffIDs    []string `json:"free_staff_ids,omitempty"`
}

type slotsResponse struct {
	Date     string     `json:"date"`
	Timezone string     `json:"timezone"`
	Slots    []slotItem `json:"slots"`
}

type datesResponse struct {
	Timezone string                     `json:"timezone"`
	Dates    []booking.DateAvailability `json:"dates"`
}

type calendarDay struct {
	Date  string     `json:"date"`
	Slots []slotItem `json:"slots"`
}

type calendarResponse struct {
	ProviderID string          `json:"provider_id"`
	ServiceID  string          `json:"service_id,omitempty"`
	Timezone   string          `json:"timezone"`
	Days       []calendarDay   `json:"days"`
	Heatmap    heatmap.Summary `json:"heatmap"`
}

func toSlotItems(slots []model.TimeSlot) []slotItem {
	out := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotItem{
			StartTime:       s.Start.Format(time.RFC3339),
			EndTime:         s.End.Format(time.RFC3339),
			DurationMinutes: s.DurationMinutes,
			Status:          s.Status.String(),
			Available:       s.Status == model.SlotAvailable,
			StaffID:         s.StaffID,
			FreeStaffIDs:    s.FreeStaffIDs,
		})
	}
	return out
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.Slots(r.Context(), booking.SlotQuery{
		ProviderID: strings.TrimSpace(q.Get("provider_id")),
		ServiceID:  strings.TrimSpace(q.Get("service_id")),
		StaffID:    strings.TrimSpace(q.Get("staff_id")),
		Date:       strings.TrimSpace(q.Get("date")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slotsResponse{Date: res.Date, Timezone: res.Timezone, Slots: toSlotItems(res.Slots)})
}

func (h *Handler) Dates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.Dates(r.Context(), booking.DatesQuery{
		ProviderID: strings.TrimSpace(q.Get("provider_id")),
		ServiceID:  strings.TrimSpace(q.Get("service_id")),
		FromDate:   strings.TrimSpace(q.Get("from_date")),
		ToDate:     strings.TrimSpace(q.Get("to_date")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, datesResponse{Timezone: res.Timezone, Dates: res.Dates})
}

func (h *Handler) ProviderCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := 7
	if raw := strings.TrimSpace(q.Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "days must be an integer")
			return
		}
		days = n
	}
	providerID := r.PathValue("id")
	serviceID := strings.TrimSpace(q.Get("service_id"))
	res, err := h.svc.ProviderCalendar(r.Context(), booking.CalendarQuery{
		ProviderID: providerID,
		ServiceID:  serviceID,
		StartDate:  strings.TrimSpace(q.Get("start_date")),
		Days:       days,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := calendarResponse{
		ProviderID: providerID,
		ServiceID:  serviceID,
		Timezone:   res.Timezone,
		Days:       make([]calendarDay, 0, len(res.Days)),
		Heatmap:    res.Heatmap,
	}
	for _, d := range res.Days {
		out.Days = append(out.Days, calendarDay{Date: d.Date, Slots: toSlotItems(d.Slots)})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
