package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// ErrNoCentersFound is returned when the area filter resolves to zero
// usable centers. Configuration problem, reported not retried.
var ErrNoCentersFound = errors.New("provider: no centers found")

// MotiveMatcher decides whether a visit motive name corresponds to a
// wanted vaccine and returns the vaccine name it recognized.
type MotiveMatcher func(motiveName string) (vaccine string, ok bool)

type searchResult struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City string `json:"city"`
}

type searchResponse struct {
	SearchResults []searchResult `json:"search_results"`
}

type bookingProfile struct {
	Data struct {
		Profile struct {
			ID string `json:"id"`
		} `json:"profile"`
		VisitMotives []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"visit_motives"`
		Agendas []struct {
			ID              string   `json:"id"`
			PracticeID      string   `json:"practice_id"`
			VisitMotiveIDs  []string `json:"visit_motive_ids"`
			BookingDisabled bool     `json:"booking_disabled"`
		} `json:"agendas"`
	} `json:"data"`
}

// ResolveCenters looks the area up in the provider directory and loads each
// center's booking profile, keeping only centers that offer at least one
// motive the matcher recognizes on a bookable agenda. The returned order
// follows the directory order.
func (c *Client) ResolveCenters(ctx context.Context, sess *Session, area string, match MotiveMatcher) ([]Center, error) {
	var out searchResponse
	err := c.do(ctx, sess, http.MethodGet, "/search/"+area+".json", nil, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("provider: area %q unknown: %w", area, ErrNoCentersFound)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: search centers: %w", err)
	}

	centers := make([]Center, 0, len(out.SearchResults))
	for _, sr := range out.SearchResults {
		center, err := c.loadCenter(ctx, sess, sr, match)
		if err != nil {
			// One broken profile must not sink the whole resolve.
			c.logger.Warn("center profile skipped", "center_id", sr.ID, "error", err)
			continue
		}
		if center == nil {
			continue // no matching motives
		}
		centers = append(centers, *center)
	}

	if len(centers) == 0 {
		return nil, fmt.Errorf("provider: area %q: %w", area, ErrNoCentersFound)
	}
	return centers, nil
}

func (c *Client) loadCenter(ctx context.Context, sess *Session, sr searchResult, match MotiveMatcher) (*Center, error) {
	var page bookingProfile
	if err := c.do(ctx, sess, http.MethodGet, "/booking/"+sr.ID+".json", nil, nil, &page); err != nil {
		return nil, err
	}

	vaccineByMotive := map[string]string{}
	for _, m := range page.Data.VisitMotives {
		if vaccine, ok := match(m.Name); ok {
			vaccineByMotive[m.ID] = vaccine
		}
	}
	if len(vaccineByMotive) == 0 {
		return nil, nil
	}

	var (
		agendaIDs  []string
		practiceID string
	)
	for _, a := range page.Data.Agendas {
		if a.BookingDisabled {
			continue
		}
		for _, mid := range a.VisitMotiveIDs {
			if _, ok := vaccineByMotive[mid]; ok {
				agendaIDs = append(agendaIDs, a.ID)
				if practiceID == "" {
					practiceID = a.PracticeID
				}
				break
			}
		}
	}
	if len(agendaIDs) == 0 {
		return nil, nil
	}

	motiveIDs := make([]string, 0, len(vaccineByMotive))
	for mid := range vaccineByMotive {
		motiveIDs = append(motiveIDs, mid)
	}
	sort.Strings(motiveIDs)

	return &Center{
		ID:              sr.ID,
		Name:            sr.Name,
		City:            sr.City,
		ProfileID:       page.Data.Profile.ID,
		PracticeID:      practiceID,
		AgendaIDs:       agendaIDs,
		MotiveIDs:       motiveIDs,
		VaccineByMotive: vaccineByMotive,
	}, nil
}
