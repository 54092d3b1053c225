package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	slotFetchLimit = 4
	// maxNextSlotHops bounds how far a fetch chases the provider's
	// next_slot date hint before giving up on the window.
	maxNextSlotHops = 3
)

type rawSlot struct {
	StartDate     string `json:"start_date"`
	BookingToken  string `json:"booking_token"`
	VisitMotiveID string `json:"visit_motive_id"`
	AgendaID      string `json:"agenda_id"`
	Capacity      int    `json:"number_of_slots"`
	Steps         []struct {
		StartDate string `json:"start_date"`
	} `json:"steps"`
}

type availabilitiesResponse struct {
	Availabilities []struct {
		Date  string    `json:"date"`
		Slots []rawSlot `json:"slots"`
	} `json:"availabilities"`
	NextSlot string `json:"next_slot"`
}

// FetchSlots queries availabilities for one center across the date window
// and normalizes them into Slot values. An empty result is success, not
// failure. When the provider answers with a next_slot date hint instead of
// availabilities, the hint is chased a bounded number of times.
func (c *Client) FetchSlots(ctx context.Context, sess *Session, center *Center, window DateWindow) ([]Slot, error) {
	var slots []Slot
	startDate := window.From

	for hop := 0; hop <= maxNextSlotHops; hop++ {
		var out availabilitiesResponse
		if err := c.do(ctx, sess, http.MethodGet, "/availabilities.json", c.slotQuery(center, startDate), nil, &out); err != nil {
			return nil, err
		}

		for _, day := range out.Availabilities {
			for _, rs := range day.Slots {
				slots = append(slots, normalizeSlot(center, rs))
			}
		}

		if len(slots) > 0 || out.NextSlot == "" {
			break
		}
		next, err := time.Parse("2006-01-02", out.NextSlot)
		if err != nil || !next.After(startDate) || !next.Before(window.To) {
			break
		}
		startDate = next
	}

	return slots, nil
}

func (c *Client) slotQuery(center *Center, startDate time.Time) url.Values {
	return url.Values{
		"start_date":       {startDate.Format("2006-01-02")},
		"visit_motive_ids": {strings.Join(center.MotiveIDs, "-")},
		"agenda_ids":       {strings.Join(center.AgendaIDs, "-")},
		"practice_ids":     {center.PracticeID},
		"limit":            {strconv.Itoa(slotFetchLimit)},
	}
}

// normalizeSlot maps one provider slot encoding onto the uniform Slot
// shape. Anything that fails to parse stays unknown so the eligibility
// filter can reject it explicitly.
func normalizeSlot(center *Center, rs rawSlot) Slot {
	s := Slot{
		Center:       center,
		Vaccine:      center.VaccineByMotive[rs.VisitMotiveID],
		MotiveID:     rs.VisitMotiveID,
		AgendaID:     rs.AgendaID,
		BookingToken: rs.BookingToken,
		Capacity:     rs.Capacity,
	}
	if start, err := time.Parse(time.RFC3339, rs.StartDate); err == nil {
		s.Start = start
	}
	if len(rs.Steps) > 1 {
		if due, err := time.Parse(time.RFC3339, rs.Steps[1].StartDate); err == nil {
			s.SecondShotDue = due
		}
	}
	return s
}
