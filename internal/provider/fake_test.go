package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCloudflare is an in-memory stand-in for the zone and dns_records endpoints
type fakeCloudflare struct {
	mu       sync.Mutex
	zones    map[string]*Zone                 // by name
	records  map[string]map[string]*DNSRecord // zone id -> record id -> record
	nextID   int
	requests map[string]int // "METHOD /path" without query
	// hook may answer a request itself (status, body); return handled=false to continue
	hook func(r *http.Request, body map[string]interface{}) (int, string, bool)
}

func newFakeCloudflare() *fakeCloudflare {
	return &fakeCloudflare{
		zones:    make(map[string]*Zone),
		records:  make(map[string]map[string]*DNSRecord),
		requests: make(map[string]int),
	}
}

func (f *fakeCloudflare) addZone(name string) *Zone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addZoneLocked(name)
}

func (f *fakeCloudflare) addZoneLocked(name string) *Zone {
	z := &Zone{
		ID:          "zone-" + name,
		Name:        name,
		Status:      "pending",
		NameServers: []string{"ada.ns.cloudflare.com", "bob.ns.cloudflare.com"},
	}
	f.zones[name] = z
	f.records[z.ID] = make(map[string]*DNSRecord)
	return z
}

func (f *fakeCloudflare) addRecord(zoneID string, rec DNSRecord) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = fmt.Sprintf("rec-%d", f.nextID)
	f.records[zoneID][rec.ID] = &rec
	return rec.ID
}

func (f *fakeCloudflare) recordsNamed(zoneID, recordType, name string) []DNSRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []DNSRecord
	for _, r := range f.records[zoneID] {
		if r.Type == recordType && r.Name == name {
			out = append(out, *r)
		}
	}
	return out
}

func (f *fakeCloudflare) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[key]
}

func writeEnvelope(w http.ResponseWriter, status int, result interface{}) {
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"errors":  []interface{}{},
		"result":  json.RawMessage(raw),
	})
}

func writeFailure(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"errors":  []map[string]interface{}{{"code": code, "message": message}},
		"result":  nil,
	})
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	f.mu.Lock()
	f.requests[r.Method+" "+r.URL.Path]++
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if status, resp, handled := hook(r, body); handled {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(resp))
			return
		}
	}

	if r.Header.Get("Authorization") != "Bearer test-token" {
		writeFailure(w, http.StatusForbidden, 9109, "Invalid access token")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case len(parts) == 1 && parts[0] == "zones" && r.Method == http.MethodGet:
		zones := []Zone{}
		if z, ok := f.zones[r.URL.Query().Get("name")]; ok {
			zones = append(zones, *z)
		}
		writeEnvelope(w, http.StatusOK, zones)

	case len(parts) == 1 && parts[0] == "zones" && r.Method == http.MethodPost:
		name, _ := body["name"].(string)
		if body["jump_start"] != true {
			writeFailure(w, http.StatusBadRequest, 1000, "jump_start missing")
			return
		}
		writeEnvelope(w, http.StatusOK, f.addZoneLocked(name))

	case len(parts) == 3 && parts[2] == "dns_records" && r.Method == http.MethodGet:
		q := r.URL.Query()
		out := []DNSRecord{}
		for _, rec := range f.records[parts[1]] {
			if t := q.Get("type"); t != "" && rec.Type != t {
				continue
			}
			if n := q.Get("name"); n != "" && rec.Name != n {
				continue
			}
			out = append(out, *rec)
		}
		sort.Slice(out, func(i, j int) bool { return recordSeq(out[i].ID) < recordSeq(out[j].ID) })
		if n, err := strconv.Atoi(q.Get("per_page")); err == nil && n > 0 && len(out) > n {
			out = out[:n]
		}
		writeEnvelope(w, http.StatusOK, out)

	case len(parts) == 3 && parts[2] == "dns_records" && r.Method == http.MethodPost:
		f.nextID++
		rec := decodeRecord(body)
		rec.ID = fmt.Sprintf("rec-%d", f.nextID)
		f.records[parts[1]][rec.ID] = &rec
		writeEnvelope(w, http.StatusOK, rec)

	case len(parts) == 4 && r.Method == http.MethodPut:
		existing, ok := f.records[parts[1]][parts[3]]
		if !ok {
			writeFailure(w, http.StatusNotFound, 81044, "Record does not exist")
			return
		}
		rec := decodeRecord(body)
		rec.ID = existing.ID
		*existing = rec
		writeEnvelope(w, http.StatusOK, rec)

	case len(parts) == 4 && r.Method == http.MethodDelete:
		delete(f.records[parts[1]], parts[3])
		writeEnvelope(w, http.StatusOK, map[string]string{"id": parts[3]})

	default:
		writeFailure(w, http.StatusNotFound, 7003, "No route for that URI")
	}
}

func recordSeq(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "rec-"))
	return n
}

func decodeRecord(body map[string]interface{}) DNSRecord {
	raw, _ := json.Marshal(body)
	var rec DNSRecord
	_ = json.Unmarshal(raw, &rec)
	return rec
}

// timerRecorder fires immediately and remembers every requested delay
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func (r *timerRecorder) Start(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.c = make(chan time.Time, 1)
	r.c <- time.Now()
}

func (r *timerRecorder) Stop() {}

func (r *timerRecorder) C() <-chan time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c
}

func testPolicy(rec *timerRecorder) Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Timer: rec}
}

func newCloudflareFixture(t *testing.T) (*fakeCloudflare, *CloudflareClient, *timerRecorder) {
	fake := newFakeCloudflare()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	rec := &timerRecorder{}
	client := NewCloudflareClient("test-token", "acct-1", testPolicy(rec)).WithBaseURL(srv.URL)
	return fake, client, rec
}
