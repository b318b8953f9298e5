// Package tenanttest provides an in-memory Tenant Config API for tests.
package tenanttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/glennswest/pangraft/pkg/tenant"
)

// Request is one call observed by the fake.
type Request struct {
	Method    string
	Path      string
	RequestID string
}

// Server is a stateful fake tenant. Fields may be set before the first
// request; afterwards use the accessor methods, which take the lock.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	Locations []tenant.Location
	Settings  tenant.SharedInfrastructureSettings
	// SPNs seeds spn_name_list for newly created allocations, keyed by region.
	SPNs        map[string][]string
	Allocations map[string]*tenant.BandwidthAllocation

	Gateways       []tenant.IKEGateway
	Tunnels        []tenant.IPSecTunnel
	RemoteNetworks []tenant.RemoteNetwork

	// JobStatuses is returned in order by successive job polls; the last
	// entry repeats. JobPollStatus overrides the HTTP status of a poll.
	JobStatuses   []string
	JobResult     string
	JobPollStatus int
	Pushes        int
	JobPolls      int

	// FailCreate makes POSTs to the named resource return the given status.
	FailCreate map[string]int
	// FailAfter lets that many creates of a resource succeed before FailCreate applies.
	FailAfter map[string]int

	// ServiceIPs answers the getPrismaAccessIP endpoint, keyed by node name.
	ServiceIPs map[string]string

	Requests []Request

	nextID int
}

// New starts a fake tenant and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		SPNs:        make(map[string][]string),
		Allocations: make(map[string]*tenant.BandwidthAllocation),
		FailCreate:  make(map[string]int),
		FailAfter:   make(map[string]int),
		ServiceIPs:  make(map[string]string),
		JobStatuses: []string{"FIN"},
		JobResult:   "OK",
		Settings:    tenant.SharedInfrastructureSettings{InfraBGPAS: "65534", APIKey: "datapath-key"},
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Route("/sse/config/v1", func(r chi.Router) {
		r.Get("/locations", s.listLocations)
		r.Get("/shared-infrastructure-settings", s.getSettings)
		r.Get("/bandwidth-allocations", s.getAllocation)
		r.Post("/bandwidth-allocations", s.createAllocation)
		r.Put("/bandwidth-allocations", s.updateAllocation)
		r.Post("/ike-gateways", s.createGateway)
		r.Post("/ipsec-tunnels", s.createTunnel)
		r.Post("/remote-networks", s.createRemoteNetwork)
		r.Post("/config-versions/candidate:push", s.push)
		r.Get("/jobs/{id}", s.getJob)
	})
	r.Post("/getPrismaAccessIP/v2", s.serviceIPs)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// ServiceIPURL is the fake's service-IP lookup endpoint.
func (s *Server) ServiceIPURL() string {
	return s.URL + "/getPrismaAccessIP/v2"
}

// Allocation returns a copy of the ledger entry for region.
func (s *Server) Allocation(region string) (tenant.BandwidthAllocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Allocations[region]
	if !ok {
		return tenant.BandwidthAllocation{}, false
	}
	return *a, true
}

// Counts returns how many gateways, tunnels and remote networks exist.
func (s *Server) Counts() (gateways, tunnels, remoteNetworks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Gateways), len(s.Tunnels), len(s.RemoteNetworks)
}

// RemoteNetwork returns the remote network named name.
func (s *Server) RemoteNetwork(name string) (tenant.RemoteNetwork, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rn := range s.RemoteNetworks {
		if rn.Name == name {
			return rn, true
		}
	}
	return tenant.RemoteNetwork{}, false
}

// Polls returns the number of job polls served.
func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.JobPolls
}

// PushCount returns the number of pushes accepted.
func (s *Server) PushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pushes
}

// Recorded returns a copy of the observed requests.
func (s *Server) Recorded() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.Requests...)
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.Requests = append(s.Requests, Request{Method: r.Method, Path: r.URL.Path, RequestID: r.Header.Get("X-Request-Id")})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listLocations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.Locations)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.Settings)
}

func (s *Server) getAllocation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := r.URL.Query().Get("name")
	a, ok := s.Allocations[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "object not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": []tenant.BandwidthAllocation{*a}, "total": 1})
}

func (s *Server) createAllocation(w http.ResponseWriter, r *http.Request) {
	var in tenant.BandwidthAllocation
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing("bandwidth-allocations", w) {
		return
	}
	if _, exists := s.Allocations[in.Name]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already exists"})
		return
	}
	if len(in.SPNNameList) == 0 {
		in.SPNNameList = s.SPNs[in.Name]
		if len(in.SPNNameList) == 0 {
			in.SPNNameList = []string{in.Name + "-spn-1"}
		}
	}
	s.Allocations[in.Name] = &in
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) updateAllocation(w http.ResponseWriter, r *http.Request) {
	var in tenant.BandwidthAllocation
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Allocations[in.Name]; !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "object not found"})
		return
	}
	s.Allocations[in.Name] = &in
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) createGateway(w http.ResponseWriter, r *http.Request) {
	var in tenant.IKEGateway
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing("ike-gateways", w) {
		return
	}
	in.ID = s.newID()
	s.Gateways = append(s.Gateways, in)
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) createTunnel(w http.ResponseWriter, r *http.Request) {
	var in tenant.IPSecTunnel
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing("ipsec-tunnels", w) {
		return
	}
	in.ID = s.newID()
	s.Tunnels = append(s.Tunnels, in)
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) createRemoteNetwork(w http.ResponseWriter, r *http.Request) {
	var in tenant.RemoteNetwork
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing("remote-networks", w) {
		return
	}
	in.ID = s.newID()
	s.RemoteNetworks = append(s.RemoteNetworks, in)
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Folders []string `json:"folders"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(in.Folders) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "folders required"})
		return
	}
	s.Pushes++
	writeJSON(w, http.StatusCreated, tenant.PushResult{Success: true, JobID: strconv.Itoa(100 + s.Pushes), Message: "CommitAndPush job enqueued"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.JobPolls
	s.JobPolls++
	if s.JobPollStatus != 0 && s.JobPollStatus != http.StatusOK {
		writeJSON(w, s.JobPollStatus, map[string]string{"error": "backend unavailable"})
		return
	}

	status := "FIN"
	if len(s.JobStatuses) > 0 {
		if idx >= len(s.JobStatuses) {
			idx = len(s.JobStatuses) - 1
		}
		status = s.JobStatuses[idx]
	}
	job := tenant.Job{ID: chi.URLParam(r, "id"), StatusStr: status}
	if status == "FIN" {
		job.ResultStr = s.JobResult
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": []tenant.Job{job}})
}

func (s *Server) serviceIPs(w http.ResponseWriter, r *http.Request) {
	var in map[string]string
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Header.Get("header-api-key") != s.Settings.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "invalid api key"})
		return
	}

	details := make([]map[string]interface{}, 0, len(s.ServiceIPs))
	for node, addr := range s.ServiceIPs {
		details = append(details, map[string]interface{}{
			"address":     addr,
			"serviceType": in["serviceType"],
			"addressType": "active",
			"node_name":   []string{node},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"result": []map[string]interface{}{{"zone": "all", "address_details": details}},
	})
}

// failing writes the configured failure for resource. Caller holds s.mu.
func (s *Server) failing(resource string, w http.ResponseWriter) bool {
	code, ok := s.FailCreate[resource]
	if !ok {
		return false
	}
	if s.FailAfter[resource] > 0 {
		s.FailAfter[resource]--
		return false
	}
	writeJSON(w, code, map[string]interface{}{
		"_errors": []map[string]string{{"code": "E016", "message": fmt.Sprintf("%s rejected", resource)}},
	})
	return true
}

func (s *Server) newID() string {
	s.nextID++
	return fmt.Sprintf("0000-%04d", s.nextID)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
