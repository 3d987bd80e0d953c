package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/slot-hunter/internal/domain"
)

// fakePortal is a scripted portal. Handlers per path can be overridden.
type fakePortal struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	calls  map[string]int
	routes map[string]http.HandlerFunc
	token  string
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	fp := &fakePortal{t: t, calls: map[string]int{}, token: "tok-123"}
	fp.routes = map[string]http.HandlerFunc{
		"/token": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"access_token": fp.token})
		},
		"/login": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		"/api/NewPortal/Dictionary/cities": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{
				{"id": 1, "name": "Warszawa"},
				{"id": 2, "name": "Kraków"},
			})
		},
		"/api/NewPortal/Dictionary/serviceVariantsGroups": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{
				{"id": 100, "name": "Konsultacje", "children": []map[string]any{
					{"id": 4436, "name": "Konsultacja internistyczna", "children": []any{}},
					{"id": 200, "name": "Dermatologia", "children": []map[string]any{
						{"id": 4502, "name": "Konsultacja dermatologa", "children": []any{}},
					}},
				}},
			})
		},
		"/api/NewPortal/Dictionary/facilitiesAndDoctors": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"facilities": []map[string]any{
					{"id": 7, "name": "LX Warszawa - Puławska"},
					{"id": 8, "name": "LX Warszawa - Wola"},
				},
				"doctors": []map[string]any{
					{"id": 11, "firstName": "Anna", "lastName": "Smith", "academicTitle": "lek. med.", "facilityGroupIds": []int{7}},
					{"id": 12, "firstName": "Jan", "lastName": "Jones", "academicTitle": "dr n. med.", "facilityGroupIds": []int{8}},
				},
			})
		},
		"/api/NewPortal/terms/index": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, termsBody(
				termJSON("2024-06-01T10:00:00+02:00", 11, "Anna", "Smith", 7, "LX Warszawa - Puławska", 4436),
				termJSON("2024-06-02T11:00:00", 12, "Jan", "Jones", 8, "LX Warszawa - Wola", 4436),
			))
		},
	}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.calls[r.URL.Path]++
		h := fp.routes[r.URL.Path]
		fp.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePortal) set(path string, h http.HandlerFunc) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.routes[path] = h
}

func (fp *fakePortal) count(path string) int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.calls[path]
}

func (fp *fakePortal) config() Config {
	nop := zerolog.Nop()
	return Config{
		BaseURL:        fp.srv.URL + "/api/NewPortal/",
		TokenURL:       fp.srv.URL + "/token",
		LoginURL:       fp.srv.URL + "/login",
		Email:          "jan@example.com",
		Password:       "secret",
		Timeout:        2 * time.Second,
		NameMatchScore: 0.5,
		Location:       time.UTC,
		Logger:         &nop,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func termJSON(at string, doctorID int64, first, last string, clinicID int64, clinic string, serviceID int64) map[string]any {
	return map[string]any{
		"dateTimeFrom": at,
		"doctor":       map[string]any{"id": doctorID, "firstName": first, "lastName": last, "academicTitle": "lek. med."},
		"clinicId":     clinicID,
		"clinic":       clinic,
		"serviceId":    serviceID,
	}
}

func termsBody(terms ...map[string]any) map[string]any {
	return map[string]any{
		"termsForService": map[string]any{
			"termsForDays": []map[string]any{{"terms": terms}},
		},
	}
}

func pinNow(t *testing.T, at time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = orig })
}

func dial(t *testing.T, fp *fakePortal) *Client {
	t.Helper()
	c, err := Dial(context.Background(), fp.config())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func wantKind(t *testing.T, err error, kind domain.FetchKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var fe *domain.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *domain.FetchError, got %T: %v", err, err)
	}
	if fe.Kind != kind {
		t.Fatalf("kind = %s; want %s (%v)", fe.Kind, kind, err)
	}
}

// ---- construction ----

func TestNew_Validation(t *testing.T) {
	base := Config{BaseURL: "http://x/api", TokenURL: "http://x/token", LoginURL: "http://x/login", Email: "a@b", Password: "p"}

	if _, err := New(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	noCreds := base
	noCreds.Password = ""
	if _, err := New(noCreds); err == nil {
		t.Fatalf("expected credentials error")
	}
	badURL := base
	badURL.TokenURL = "::not a url"
	if _, err := New(badURL); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected token URL error, got %v", err)
	}
}

func TestDeviceUserAgent_Shape(t *testing.T) {
	ua := deviceUserAgent()
	parts := strings.Split(ua, "; ")
	if len(parts) != 6 || parts[0] != "Patient Portal" || parts[1] != appVersion || parts[3] != "Android" {
		t.Fatalf("unexpected device UA %q", ua)
	}
	if len(parts[2]) != 36 || len(parts[5]) != 36 {
		t.Fatalf("expected uuids in device UA, got %q", ua)
	}
}

// ---- authentication ----

func TestAuthenticate_SendsCredentialsAndToken(t *testing.T) {
	fp := newFakePortal(t)

	var form map[string]string
	fp.set("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("token content type = %q", ct)
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "tok-123"})
	})
	var loginQuery, loginAuth, customUA, userAgent string
	fp.set("/login", func(w http.ResponseWriter, r *http.Request) {
		loginQuery = r.URL.RawQuery
		loginAuth = r.Header.Get("Authorization")
		customUA = r.Header.Get("Custom-User-Agent")
		userAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	})

	dial(t, fp)

	if form["username"] != "jan@example.com" || form["password"] != "secret" || form["grant_type"] != "password" {
		t.Fatalf("unexpected token form: %v", form)
	}
	if len(form["account_id"]) != 35 || len(form["client_id"]) != 36 {
		t.Fatalf("unexpected account/client ids: %v", form)
	}
	if loginAuth != "tok-123" {
		t.Fatalf("login Authorization = %q", loginAuth)
	}
	for _, want := range []string{"app=search", "client=3", "paymentSupported=true", "lang=pl"} {
		if !strings.Contains(loginQuery, want) {
			t.Fatalf("login query %q missing %q", loginQuery, want)
		}
	}
	if !strings.HasPrefix(customUA, "Patient Portal; ") || userAgent != defaultUserAgent {
		t.Fatalf("unexpected agents: custom=%q ua=%q", customUA, userAgent)
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	cases := []struct {
		name string
		path string
		h    http.HandlerFunc
		want domain.FetchKind
	}{
		{"token unauthorized", "/token", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, domain.FetchAuth},
		{"token bad request", "/token", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}, domain.FetchAuth},
		{"token maintenance", "/token", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, domain.FetchTransient},
		{"token without access_token", "/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{})
		}, domain.FetchAuth},
		{"login rejected", "/login", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, domain.FetchAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := newFakePortal(t)
			fp.set(tc.path, tc.h)
			_, err := Dial(context.Background(), fp.config())
			wantKind(t, err, tc.want)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]domain.FetchKind{
		http.StatusServiceUnavailable:  domain.FetchTransient,
		http.StatusBadGateway:          domain.FetchTransient,
		http.StatusGatewayTimeout:      domain.FetchTransient,
		http.StatusTooManyRequests:     domain.FetchTransient,
		http.StatusUnauthorized:        domain.FetchAuth,
		http.StatusForbidden:           domain.FetchAuth,
		http.StatusNoContent:           domain.FetchUnknown,
		http.StatusInternalServerError: domain.FetchUnknown,
		http.StatusNotFound:            domain.FetchUnknown,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Fatalf("ClassifyStatus(%d) = %s; want %s", status, got, want)
		}
	}
}

// ---- fetching ----

func TestFetchSlots_ResolvesNamesAndFlattens(t *testing.T) {
	pinNow(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	fp := newFakePortal(t)

	var termsQuery string
	var termsAuth string
	fp.set("/api/NewPortal/terms/index", func(w http.ResponseWriter, r *http.Request) {
		termsQuery = r.URL.RawQuery
		termsAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, termsBody(
			termJSON("2024-06-01T10:00:00+02:00", 11, "Anna", "Smith", 7, "LX Warszawa - Puławska", 4436),
			termJSON("2024-06-02T11:00:00", 12, "Jan", "Jones", 8, "LX Warszawa - Wola", 0),
			termJSON("2024-07-30T11:00:00", 12, "Jan", "Jones", 8, "LX Warszawa - Wola", 4436), // outside window
		))
	})

	c := dial(t, fp)
	crit := domain.Criteria{City: "warszawa", Service: "konsultacja internistyczna", LookupDays: 3}
	got, err := c.FetchSlots(context.Background(), crit)
	if err != nil {
		t.Fatalf("FetchSlots: %v", err)
	}

	for _, want := range []string{"cityId=1", "serviceVariantId=4436", "searchDateFrom=2024-06-01", "searchDateTo=2024-06-04"} {
		if !strings.Contains(termsQuery, want) {
			t.Fatalf("terms query %q missing %q", termsQuery, want)
		}
	}
	if strings.Contains(termsQuery, "doctorsIds") || strings.Contains(termsQuery, "facilitiesIds") {
		t.Fatalf("unexpected filters in %q", termsQuery)
	}
	if termsAuth != "tok-123" {
		t.Fatalf("terms Authorization = %q", termsAuth)
	}

	want := []domain.Slot{
		{DateTimeFrom: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), DoctorID: 11, DoctorName: "Anna Smith", ClinicID: 7, ClinicName: "LX Warszawa - Puławska", ServiceID: 4436},
		{DateTimeFrom: time.Date(2024, 6, 2, 11, 0, 0, 0, time.UTC), DoctorID: 12, DoctorName: "Jan Jones", ClinicID: 8, ClinicName: "LX Warszawa - Wola", ServiceID: 4436},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d slots; want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot %d = %+v; want %+v", i, got[i], want[i])
		}
	}
}

func TestFetchSlots_DoctorAndClinicFilters(t *testing.T) {
	pinNow(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	fp := newFakePortal(t)

	var termsQuery string
	fp.set("/api/NewPortal/terms/index", func(w http.ResponseWriter, r *http.Request) {
		termsQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, termsBody(
			termJSON("2024-06-01T10:00:00", 11, "Anna", "Smith", 7, "LX Warszawa - Puławska", 4436),
			termJSON("2024-06-01T12:00:00", 12, "Jan", "Jones", 8, "LX Warszawa - Wola", 4436),
		))
	})

	c := dial(t, fp)
	crit := domain.Criteria{City: "1", Service: "4436", Doctor: "lek. Anna Smith", Clinic: "LX Warszawa Puławska", LookupDays: 7}
	got, err := c.FetchSlots(context.Background(), crit)
	if err != nil {
		t.Fatalf("FetchSlots: %v", err)
	}
	if !strings.Contains(termsQuery, "doctorsIds=11") || !strings.Contains(termsQuery, "facilitiesIds=7") {
		t.Fatalf("filters missing from %q", termsQuery)
	}
	if len(got) != 1 || got[0].DoctorID != 11 {
		t.Fatalf("expected only Smith's slot, got %+v", got)
	}
	// numeric city/service skip the dictionaries
	if fp.count("/api/NewPortal/Dictionary/cities") != 0 || fp.count("/api/NewPortal/Dictionary/serviceVariantsGroups") != 0 {
		t.Fatalf("numeric criteria should not hit the dictionaries")
	}
	if n := fp.count("/api/NewPortal/Dictionary/facilitiesAndDoctors"); n != 1 {
		t.Fatalf("facilitiesAndDoctors calls = %d; want 1", n)
	}
}

func TestFetchSlots_CachesResolutionPerSession(t *testing.T) {
	pinNow(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	fp := newFakePortal(t)
	c := dial(t, fp)
	crit := domain.Criteria{City: "Warszawa", Service: "Konsultacja dermatologa", LookupDays: 3}

	for i := 0; i < 3; i++ {
		if _, err := c.FetchSlots(context.Background(), crit); err != nil {
			t.Fatalf("FetchSlots #%d: %v", i, err)
		}
	}
	if n := fp.count("/api/NewPortal/Dictionary/cities"); n != 1 {
		t.Fatalf("cities calls = %d; want 1", n)
	}
	if n := fp.count("/api/NewPortal/terms/index"); n != 3 {
		t.Fatalf("terms calls = %d; want 3", n)
	}

	// a fresh session resolves again
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := c.FetchSlots(context.Background(), crit); err != nil {
		t.Fatalf("FetchSlots after re-auth: %v", err)
	}
	if n := fp.count("/api/NewPortal/Dictionary/cities"); n != 2 {
		t.Fatalf("cities calls after re-auth = %d; want 2", n)
	}
}

func TestFetchSlots_EmptyDays(t *testing.T) {
	fp := newFakePortal(t)
	fp.set("/api/NewPortal/terms/index", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"termsForService": map[string]any{"termsForDays": []any{}}})
	})
	c := dial(t, fp)
	got, err := c.FetchSlots(context.Background(), domain.Criteria{City: "1", Service: "2", LookupDays: 1})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v, %v", got, err)
	}
}

func TestFetchSlots_ErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
		want domain.FetchKind
	}{
		{"maintenance 503", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, domain.FetchTransient},
		{"rate limited 429", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}, domain.FetchTransient},
		{"session expired 401", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, domain.FetchAuth},
		{"no content 204", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}, domain.FetchUnknown},
		{"html page", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>login</html>"))
		}, domain.FetchUnknown},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"termsForService": [`))
		}, domain.FetchUnknown},
		{"unexpected schema", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"something": "else"})
		}, domain.FetchUnknown},
		{"bad timestamp", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, termsBody(termJSON("tomorrow", 1, "A", "B", 1, "C", 1)))
		}, domain.FetchUnknown},
		{"server error 500", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, domain.FetchUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := newFakePortal(t)
			fp.set("/api/NewPortal/terms/index", tc.h)
			c := dial(t, fp)
			_, err := c.FetchSlots(context.Background(), domain.Criteria{City: "1", Service: "2", LookupDays: 1})
			wantKind(t, err, tc.want)
		})
	}
}

func TestFetchSlots_TimeoutIsTransient(t *testing.T) {
	fp := newFakePortal(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fp.set("/api/NewPortal/terms/index", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	cfg := fp.config()
	cfg.Timeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, err = c.FetchSlots(context.Background(), domain.Criteria{City: "1", Service: "2"})
	wantKind(t, err, domain.FetchTransient)
}

func TestFetchSlots_UnknownNameIsUnknown(t *testing.T) {
	fp := newFakePortal(t)
	c := dial(t, fp)
	_, err := c.FetchSlots(context.Background(), domain.Criteria{City: "Gdańsk", Service: "2"})
	wantKind(t, err, domain.FetchUnknown)
	if !strings.Contains(err.Error(), "Gdańsk") {
		t.Fatalf("error should name the unmatched value: %v", err)
	}
}

func TestFlattenServices(t *testing.T) {
	groups := []serviceNode{
		{ID: 1, Name: "cat", Children: []serviceNode{
			{ID: 10, Name: "leaf"},
			{ID: 11, Name: "parent", Children: []serviceNode{{ID: 110, Name: "v1"}, {ID: 111, Name: "v2"}}},
		}},
	}
	got := flattenServices(groups)
	want := []Entry{{10, "leaf"}, {110, "v1"}, {111, "v2"}}
	if len(got) != len(want) {
		t.Fatalf("got %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %v; want %v", i, got[i], want[i])
		}
	}
}

// ---- dictionary listing ----

func TestList_Dictionaries(t *testing.T) {
	fp := newFakePortal(t)
	c := dial(t, fp)
	ctx := context.Background()
	crit := domain.Criteria{City: "Warszawa", Service: "Konsultacja internistyczna"}

	cases := []struct {
		kind string
		crit domain.Criteria
		want []Entry
	}{
		{ListCities, domain.Criteria{}, []Entry{{1, "Warszawa"}, {2, "Kraków"}}},
		{ListServices, domain.Criteria{}, []Entry{{4436, "Konsultacja internistyczna"}, {4502, "Konsultacja dermatologa"}}},
		{ListClinics, crit, []Entry{{7, "LX Warszawa - Puławska"}, {8, "LX Warszawa - Wola"}}},
		{ListDoctors, crit, []Entry{{11, "Anna Smith"}, {12, "Jan Jones"}}},
		{ListDoctors, domain.Criteria{City: "1", Service: "4436", Clinic: "Warszawa Wola"}, []Entry{{12, "Jan Jones"}}},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			got, err := c.List(ctx, tc.kind, tc.crit)
			if err != nil {
				t.Fatalf("List(%s): %v", tc.kind, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v; want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("entry %d = %v; want %v", i, got[i], tc.want[i])
				}
			}
		})
	}

	q := url.Values{}
	fp.set("/api/NewPortal/Dictionary/facilitiesAndDoctors", func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query()
		writeJSON(w, http.StatusOK, map[string]any{"facilities": []any{}, "doctors": []any{}})
	})
	if _, err := c.List(ctx, ListClinics, domain.Criteria{City: "krakow", Service: "dermatologa"}); err != nil {
		t.Fatalf("List(clinics): %v", err)
	}
	if q.Get("cityId") != "2" || q.Get("serviceVariantId") != "4502" {
		t.Fatalf("clinics not scoped to the resolved city and service: %v", q)
	}
}

func TestList_Errors(t *testing.T) {
	fp := newFakePortal(t)
	c := dial(t, fp)

	if _, err := c.List(context.Background(), "hospitals", domain.Criteria{}); err == nil || !strings.Contains(err.Error(), "unknown dictionary") {
		t.Fatalf("unknown kind: %v", err)
	}
	if _, err := c.List(context.Background(), ListDoctors, domain.Criteria{City: "Warszawa"}); err == nil {
		t.Fatalf("doctors without a service should fail")
	}
	if fp.count("/api/NewPortal/Dictionary/facilitiesAndDoctors") != 0 {
		t.Fatalf("portal should not be queried for invalid listings")
	}
}
