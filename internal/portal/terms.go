package portal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/slot-hunter/internal/domain"
)

type termsResponse struct {
	TermsForService *struct {
		TermsForDays []struct {
			Terms []term `json:"terms"`
		} `json:"termsForDays"`
	} `json:"termsForService"`
}

type term struct {
	DateTimeFrom string `json:"dateTimeFrom"`
	Doctor       struct {
		ID            int64  `json:"id"`
		FirstName     string `json:"firstName"`
		LastName      string `json:"lastName"`
		AcademicTitle string `json:"academicTitle"`
	} `json:"doctor"`
	ClinicID  int64  `json:"clinicId"`
	Clinic    string `json:"clinic"`
	ServiceID int64  `json:"serviceId"`
}

// Portal timestamps appear with and without an offset.
var termLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

func (c *Client) parseTermTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for i, layout := range termLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, c.loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable dateTimeFrom %q", s)
}

// FetchSlots returns the slots currently offered for crit, flattened in
// portal order. Doctor and clinic filters are sent to the portal and also
// applied locally; slots outside the lookup window are dropped. An empty
// result is not an error.
func (c *Client) FetchSlots(ctx context.Context, crit domain.Criteria) ([]domain.Slot, error) {
	r, err := c.resolve(ctx, crit)
	if err != nil {
		return nil, err
	}

	from, to := crit.Window(now().In(c.loc))
	q := url.Values{}
	q.Set("cityId", strconv.FormatInt(r.CityID, 10))
	q.Set("serviceVariantId", strconv.FormatInt(r.ServiceID, 10))
	q.Set("searchDateFrom", from.Format("2006-01-02"))
	q.Set("searchDateTo", to.Format("2006-01-02"))
	if r.ClinicID != 0 {
		q.Set("facilitiesIds", strconv.FormatInt(r.ClinicID, 10))
	}
	if r.DoctorID != 0 {
		q.Set("doctorsIds", strconv.FormatInt(r.DoctorID, 10))
	}

	var resp termsResponse
	if err := c.getJSON(ctx, "terms", "/terms/index", q, &resp); err != nil {
		return nil, err
	}
	if resp.TermsForService == nil {
		return nil, domain.NewFetchError(domain.FetchUnknown, "terms", 0, errors.New("missing termsForService"))
	}

	var slots []domain.Slot
	for _, day := range resp.TermsForService.TermsForDays {
		for _, t := range day.Terms {
			at, err := c.parseTermTime(t.DateTimeFrom)
			if err != nil {
				return nil, domain.NewFetchError(domain.FetchUnknown, "terms", 0, err)
			}
			if at.Before(from) || at.After(to) {
				continue
			}
			if r.DoctorID != 0 && t.Doctor.ID != r.DoctorID {
				continue
			}
			if r.ClinicID != 0 && t.ClinicID != r.ClinicID {
				continue
			}
			serviceID := t.ServiceID
			if serviceID == 0 {
				serviceID = r.ServiceID
			}
			slots = append(slots, domain.Slot{
				DateTimeFrom: at,
				DoctorID:     t.Doctor.ID,
				DoctorName:   strings.TrimSpace(t.Doctor.FirstName + " " + t.Doctor.LastName),
				ClinicID:     t.ClinicID,
				ClinicName:   strings.TrimSpace(t.Clinic),
				ServiceID:    serviceID,
			})
		}
	}
	c.logger.Debug().Int("slots", len(slots)).Msg("terms fetched")
	return slots, nil
}
