// Package adminserver provides an in-memory administrative endpoint speaking the reconciler's
// admin protocol, for use in tests.
package adminserver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
	"github.com/spaolacci/murmur3"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BackupStore holds backup artifacts. Sharing one store between a source and a destination
// server lets the destination restore what the source backed up.
type BackupStore struct {
	mu      sync.Mutex
	backups map[string]backup
}

type backup struct {
	migrationType model.MigrationType
	rng           model.IDRange
	aliasType     string
	rows          map[int64]string
}

func NewBackupStore() *BackupStore {
	return &BackupStore{backups: map[string]backup{}}
}

// Len returns the number of backups taken so far
func (s *BackupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backups)
}

func (s *BackupStore) put(b backup) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ksuid.New().String()
	s.backups[key] = b
	return key
}

func (s *BackupStore) get(key string) (backup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[key]
	return b, ok
}

// Builder configures a fake admin endpoint.
type Builder struct {
	rows            map[model.MigrationType]map[int64]string
	backups         *BackupStore
	pollsToComplete int
	directChecksum  bool
}

func NewBuilder() *Builder {
	return &Builder{
		rows:            map[model.MigrationType]map[int64]string{},
		pollsToComplete: 1,
		directChecksum:  true,
	}
}

// WithType declares a supported migration type holding a row for each of the given ids.
func (b *Builder) WithType(t model.MigrationType, ids ...int64) *Builder {
	rows, ok := b.rows[t]
	if !ok {
		rows = map[int64]string{}
		b.rows[t] = rows
	}
	for _, id := range ids {
		rows[id] = RowValue(t, id)
	}
	return b
}

// WithRange declares a supported migration type holding a row for every id in [min, max].
func (b *Builder) WithRange(t model.MigrationType, min, max int64) *Builder {
	b.WithType(t)
	for id := min; id <= max; id++ {
		b.rows[t][id] = RowValue(t, id)
	}
	return b
}

func (b *Builder) WithBackupStore(s *BackupStore) *Builder {
	b.backups = s
	return b
}

// WithPollsToComplete sets how many polls a job needs before reaching a terminal state.
// Zero completes jobs on submission.
func (b *Builder) WithPollsToComplete(n int) *Builder {
	b.pollsToComplete = n
	return b
}

// WithoutDirectChecksum makes the direct checksum call answer 503, forcing the async path.
func (b *Builder) WithoutDirectChecksum() *Builder {
	b.directChecksum = false
	return b
}

// Build starts the server.
func (b *Builder) Build() *Server {
	s := &Server{
		rows:            b.rows,
		backups:         b.backups,
		pollsToComplete: b.pollsToComplete,
		directChecksum:  b.directChecksum,
		mode:            "normal",
		jobs:            map[string]*job{},
		running:         map[model.MigrationType]int{},
		maxRunning:      map[model.MigrationType]int{},
		failJobs:        map[model.Operation]int{},
		submitted:       map[model.Operation]int{},
	}
	if s.backups == nil {
		s.backups = NewBackupStore()
	}

	r := chi.NewRouter()
	r.Post("/v1/jobs", s.submitJob)
	r.Get("/v1/jobs/{id}", s.pollJob)
	r.Post("/v1/checksum", s.directChecksumHandler)
	r.Get("/v1/types", s.listTypes)
	r.Get("/v1/types/{type}/bounds", s.bounds)
	r.Get("/v1/types/{type}/ids", s.ids)
	r.Put("/v1/mode", s.setMode)
	s.Server = httptest.NewServer(r)
	return s
}

// Server is a running fake admin endpoint. Close it when done.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	rows            map[model.MigrationType]map[int64]string
	backups         *BackupStore
	pollsToComplete int
	directChecksum  bool
	mode            string
	modeHistory     []string
	jobs            map[string]*job

	running    map[model.MigrationType]int
	maxRunning map[model.MigrationType]int

	failJobs      map[model.Operation]int
	pollFailures  int
	submitted     map[model.Operation]int
	directQueries int
}

type job struct {
	req    model.Request
	polls  int
	handle model.Handle
	apply  func() (any, error)
}

// RowValue is the payload stored for a row unless overwritten with SetRow.
func RowValue(t model.MigrationType, id int64) string {
	return fmt.Sprintf("%s-%d", t, id)
}

// SetRow inserts or overwrites a row.
func (s *Server) SetRow(t model.MigrationType, id int64, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[t] == nil {
		s.rows[t] = map[int64]string{}
	}
	s.rows[t][id] = value
}

func (s *Server) DeleteRow(t model.MigrationType, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[t], id)
}

// Rows returns a copy of the rows of a type.
func (s *Server) Rows(t model.MigrationType) map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Assign(s.rows[t])
}

// Mode returns the current write mode.
func (s *Server) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ModeHistory returns every mode set through the protocol, in order.
func (s *Server) ModeHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.modeHistory)
}

// FailJobs makes the next n jobs of the operation finish as FAILED.
func (s *Server) FailJobs(op model.Operation, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failJobs[op] = n
}

// FailPolls makes the next n polls answer 503.
func (s *Server) FailPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollFailures = n
}

// Submitted returns the number of jobs submitted for the operation.
func (s *Server) Submitted(op model.Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted[op]
}

// DirectChecksums returns the number of direct checksum calls received.
func (s *Server) DirectChecksums() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directQueries
}

// MaxConcurrent returns the highest number of restore or delete jobs of the type that were
// running at the same time.
func (s *Server) MaxConcurrent(t model.MigrationType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning[t]
}

// Checksum returns the checksum of the rows of a type in the range, nil if there are none.
func (s *Server) Checksum(t model.MigrationType, r model.IDRange, salt model.Salt) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksum(t, r, salt)
}

func (s *Server) checksum(t model.MigrationType, r model.IDRange, salt model.Salt) *string {
	ids := s.idsInRange(t, r)
	if len(ids) == 0 {
		return nil
	}
	h := murmur3.New128()
	_, _ = h.Write([]byte(salt))
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(s.rows[t][id]))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return &sum
}

func (s *Server) idsInRange(t model.MigrationType, r model.IDRange) []int64 {
	ids := lo.Filter(lo.Keys(s.rows[t]), func(id int64, _ int) bool {
		return id >= r.Min && id <= r.Max
	})
	slices.Sort(ids)
	return ids
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.MigrationType]; !ok {
		http.Error(w, "unsupported migration type", http.StatusBadRequest)
		return
	}
	apply, err := s.prepare(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.submitted[req.Operation]++
	j := &job{
		req:    req,
		handle: model.Handle{JobID: ksuid.New().String(), State: model.JobStateProcessing},
		apply:  apply,
	}
	s.jobs[j.handle.JobID] = j
	if writesDestination(req.Operation) {
		s.running[req.MigrationType]++
		s.maxRunning[req.MigrationType] = max(s.maxRunning[req.MigrationType], s.running[req.MigrationType])
	}
	if s.pollsToComplete == 0 {
		s.finish(j)
	}
	writeJSON(w, j.handle)
}

func (s *Server) pollJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollFailures > 0 {
		s.pollFailures--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if !j.handle.State.Terminal() {
		j.polls++
		if j.polls >= s.pollsToComplete {
			s.finish(j)
		}
	}
	writeJSON(w, j.handle)
}

// prepare validates a request and returns the function producing its result.
// Checksums and backups capture their rows when the job completes.
func (s *Server) prepare(req model.Request) (func() (any, error), error) {
	t := req.MigrationType
	switch req.Operation {
	case model.OperationChecksum:
		rng, ok := req.Range()
		if !ok {
			return nil, fmt.Errorf("checksum request without range")
		}
		return func() (any, error) {
			return map[string]*string{"checksum": s.checksum(t, rng, req.Salt)}, nil
		}, nil
	case model.OperationBackup:
		rng, ok := req.Range()
		if !ok {
			return nil, fmt.Errorf("backup request without range")
		}
		return func() (any, error) {
			rows := map[int64]string{}
			for _, id := range s.idsInRange(t, rng) {
				rows[id] = s.rows[t][id]
			}
			key := s.backups.put(backup{migrationType: t, rng: rng, aliasType: req.AliasType, rows: rows})
			return map[string]string{"backupFileKey": key}, nil
		}, nil
	case model.OperationRestore:
		return func() (any, error) {
			b, ok := s.backups.get(req.BackupFileKey)
			if !ok {
				return nil, fmt.Errorf("backup %q not found", req.BackupFileKey)
			}
			if b.migrationType != t || b.aliasType != req.AliasType {
				return nil, fmt.Errorf("backup %q was taken for %s with alias type %q", req.BackupFileKey, b.migrationType, b.aliasType)
			}
			// a restore replaces the backed up range
			for _, id := range s.idsInRange(t, b.rng) {
				delete(s.rows[t], id)
			}
			for id, v := range b.rows {
				s.rows[t][id] = v
			}
			return map[string]int{"restored": len(b.rows)}, nil
		}, nil
	case model.OperationDelete:
		return func() (any, error) {
			for _, id := range req.IDs {
				delete(s.rows[t], id)
			}
			return map[string]int{"deleted": len(req.IDs)}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}
}

func (s *Server) finish(j *job) {
	if writesDestination(j.req.Operation) {
		s.running[j.req.MigrationType]--
	}
	if s.failJobs[j.req.Operation] > 0 {
		s.failJobs[j.req.Operation]--
		j.handle.State = model.JobStateFailed
		j.handle.Error = "injected failure"
		return
	}
	res, err := j.apply()
	if err != nil {
		j.handle.State = model.JobStateFailed
		j.handle.Error = err.Error()
		return
	}
	raw, _ := json.Marshal(res)
	j.handle.State = model.JobStateComplete
	j.handle.Result = raw
}

func writesDestination(op model.Operation) bool {
	return op == model.OperationRestore || op == model.OperationDelete
}

func (s *Server) directChecksumHandler(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directQueries++
	if !s.directChecksum {
		http.Error(w, "checksum service unavailable", http.StatusServiceUnavailable)
		return
	}
	rng, ok := req.Range()
	if !ok {
		http.Error(w, "missing range", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]*string{"checksum": s.checksum(req.MigrationType, rng, req.Salt)})
}

func (s *Server) listTypes(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := lo.Keys(s.rows)
	slices.Sort(types)
	writeJSON(w, map[string][]model.MigrationType{"types": types})
}

func (s *Server) bounds(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := model.MigrationType(chi.URLParam(r, "type"))
	if len(s.rows[t]) == 0 {
		http.Error(w, "no rows", http.StatusNotFound)
		return
	}
	ids := lo.Keys(s.rows[t])
	writeJSON(w, model.Bounds{MinID: lo.Min(ids), MaxID: lo.Max(ids), Count: int64(len(ids))})
}

func (s *Server) ids(w http.ResponseWriter, r *http.Request) {
	minID, err := strconv.ParseInt(r.URL.Query().Get("minId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid minId", http.StatusBadRequest)
		return
	}
	maxID, err := strconv.ParseInt(r.URL.Query().Get("maxId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid maxId", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.idsInRange(model.MigrationType(chi.URLParam(r, "type")), model.IDRange{Min: minID, Max: maxID})
	writeJSON(w, map[string][]int64{"ids": ids})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mode != "normal" && req.Mode != "restricted" {
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = req.Mode
	s.modeHistory = append(s.modeHistory, req.Mode)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
