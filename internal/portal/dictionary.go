package portal

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/search"
)

// Academic titles and honorifics carry no signal when matching doctors.
var doctorStopwords = []string{"lek", "med", "dr", "n", "hab", "prof", "dent", "stom", "mgr"}

// Entry is one item of a portal dictionary: a city, service, clinic or
// doctor. Names are what CITY_NAME, SERVICE_NAME, CLINIC_NAME and
// DOCTOR_NAME are matched against; IDs may be used there verbatim.
type Entry struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Dictionary kinds accepted by List.
const (
	ListCities   = "cities"
	ListServices = "services"
	ListClinics  = "clinics"
	ListDoctors  = "doctors"
)

// ListKinds is every kind List accepts, in display order.
var ListKinds = []string{ListCities, ListServices, ListClinics, ListDoctors}

type serviceNode struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Children []serviceNode `json:"children"`
}

type doctorEntry struct {
	ID               int64   `json:"id"`
	FirstName        string  `json:"firstName"`
	LastName         string  `json:"lastName"`
	AcademicTitle    string  `json:"academicTitle"`
	FacilityGroupIDs []int64 `json:"facilityGroupIds"`
}

func (d doctorEntry) fullName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

type facilitiesAndDoctors struct {
	Facilities []Entry   `json:"facilities"`
	Doctors    []doctorEntry `json:"doctors"`
}

// resolvedCriteria is the criteria translated to portal IDs.
// Zero DoctorID/ClinicID means "no filter".
type resolvedCriteria struct {
	key       domain.Criteria
	CityID    int64
	ServiceID int64
	DoctorID  int64
	ClinicID  int64
}

// cities lists the city dictionary.
func (c *Client) cities(ctx context.Context) ([]Entry, error) {
	var out []Entry
	if err := c.getJSON(ctx, "cities", "/Dictionary/cities", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// services lists bookable services. The portal returns a tree of
// categories; leaf services and their variants are flattened.
func (c *Client) services(ctx context.Context) ([]Entry, error) {
	var groups []serviceNode
	if err := c.getJSON(ctx, "services", "/Dictionary/serviceVariantsGroups", nil, &groups); err != nil {
		return nil, err
	}
	return flattenServices(groups), nil
}

func flattenServices(groups []serviceNode) []Entry {
	var out []Entry
	for _, category := range groups {
		for _, svc := range category.Children {
			if len(svc.Children) == 0 {
				out = append(out, Entry{ID: svc.ID, Name: svc.Name})
				continue
			}
			for _, variant := range svc.Children {
				out = append(out, Entry{ID: variant.ID, Name: variant.Name})
			}
		}
	}
	return out
}

func (c *Client) facilitiesAndDoctors(ctx context.Context, cityID, serviceID int64) (*facilitiesAndDoctors, error) {
	q := url.Values{}
	q.Set("cityId", strconv.FormatInt(cityID, 10))
	q.Set("serviceVariantId", strconv.FormatInt(serviceID, 10))
	var out facilitiesAndDoctors
	if err := c.getJSON(ctx, "facilities", "/Dictionary/facilitiesAndDoctors", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the portal dictionary of the given kind so a user can find
// the exact names to search for.
//
// Behavior:
//   - cities and services ignore crit.
//   - clinics and doctors are scoped to crit.City and crit.Service, which
//     are resolved the same way the poll loop resolves them.
//   - doctors are narrowed to crit.Clinic when it is set.
//
// An unknown kind is an error.
func (c *Client) List(ctx context.Context, kind string, crit domain.Criteria) ([]Entry, error) {
	switch kind {
	case ListCities:
		return c.cities(ctx)
	case ListServices:
		return c.services(ctx)
	case ListClinics, ListDoctors:
	default:
		return nil, fmt.Errorf("unknown dictionary %q (want one of %s)", kind, strings.Join(ListKinds, ", "))
	}
	if crit.City == "" || crit.Service == "" {
		return nil, fmt.Errorf("listing %s needs a city and a service", kind)
	}

	scope := domain.Criteria{City: crit.City, Service: crit.Service, Clinic: crit.Clinic}
	if kind == ListClinics {
		scope.Clinic = ""
	}
	r, err := c.resolve(ctx, scope)
	if err != nil {
		return nil, err
	}
	fd, err := c.facilitiesAndDoctors(ctx, r.CityID, r.ServiceID)
	if err != nil {
		return nil, err
	}
	if kind == ListClinics {
		return fd.Facilities, nil
	}
	return doctorEntries(fd.Doctors, r.ClinicID), nil
}

// doctorEntries names doctors, dropping those not practising at clinicID
// when it is set. Doctors without facility data are kept.
func doctorEntries(docs []doctorEntry, clinicID int64) []Entry {
	out := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		if clinicID != 0 && len(doc.FacilityGroupIDs) > 0 && !containsID(doc.FacilityGroupIDs, clinicID) {
			continue
		}
		out = append(out, Entry{ID: doc.ID, Name: doc.fullName()})
	}
	return out
}

// resolve translates criteria names into IDs. The result is cached for the
// lifetime of the session.
func (c *Client) resolve(ctx context.Context, crit domain.Criteria) (*resolvedCriteria, error) {
	if c.resolved != nil && c.resolved.key == crit {
		return c.resolved, nil
	}
	r := &resolvedCriteria{key: crit}

	var err error
	if r.CityID, err = c.lookup(ctx, "city", crit.City, c.cities); err != nil {
		return nil, err
	}
	if r.ServiceID, err = c.lookup(ctx, "service", crit.Service, c.services); err != nil {
		return nil, err
	}

	if crit.Doctor != "" || crit.Clinic != "" {
		var fd *facilitiesAndDoctors
		loadFD := func(ctx context.Context) (*facilitiesAndDoctors, error) {
			if fd != nil {
				return fd, nil
			}
			fd, err = c.facilitiesAndDoctors(ctx, r.CityID, r.ServiceID)
			return fd, err
		}
		if crit.Clinic != "" {
			r.ClinicID, err = c.lookup(ctx, "clinic", crit.Clinic, func(ctx context.Context) ([]Entry, error) {
				d, err := loadFD(ctx)
				if err != nil {
					return nil, err
				}
				return d.Facilities, nil
			})
			if err != nil {
				return nil, err
			}
		}
		if crit.Doctor != "" {
			r.DoctorID, err = c.lookup(ctx, "doctor", crit.Doctor, func(ctx context.Context) ([]Entry, error) {
				d, err := loadFD(ctx)
				if err != nil {
					return nil, err
				}
				return doctorEntries(d.Doctors, r.ClinicID), nil
			}, search.WithStopwords(doctorStopwords))
			if err != nil {
				return nil, err
			}
		}
	}

	c.logger.Info().
		Int64("city_id", r.CityID).
		Int64("service_id", r.ServiceID).
		Int64("doctor_id", r.DoctorID).
		Int64("clinic_id", r.ClinicID).
		Msg("search criteria resolved")
	c.resolved = r
	return r, nil
}

// lookup returns value as an ID when numeric, otherwise the best fuzzy
// match among the entries list returns.
func (c *Client) lookup(ctx context.Context, what, value string, list func(context.Context) ([]Entry, error), opts ...search.Option) (int64, error) {
	if id, ok := parseID(value); ok {
		return id, nil
	}
	entries, err := list(ctx)
	if err != nil {
		return 0, err
	}
	idx := make([]search.Entry, 0, len(entries))
	for _, e := range entries {
		idx = append(idx, search.Entry{ID: e.ID, Name: e.Name})
	}
	if c.minScore > 0 {
		opts = append(opts, search.WithMinScore(c.minScore))
	}
	m, ok := search.NewNameIndex(idx, opts...).Best(value)
	if !ok {
		return 0, domain.NewFetchError(domain.FetchUnknown, "resolve", 0, fmt.Errorf("no %s matches %q", what, value))
	}
	if !strings.EqualFold(m.Name, value) {
		c.logger.Info().Str("kind", what).Str("query", value).Str("match", m.Name).Float64("score", m.Score).Msg("fuzzy name match")
	}
	return m.ID, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
