package scheduler

import (
	"sort"
	"sync"
)

// Reservable is a channel that can be reserved for a job.
type Reservable interface {
	UUID() string
	// SetReservation mirrors the reservation state on the channel.
	SetReservation(pendingJob, readyJob string)
}

// Reservations is a point-in-time copy of the reservation maps, keyed by
// node uuid.
type Reservations struct {
	Pending map[string]string `json:"pending"`
	Ready   map[string]string `json:"ready"`
}

// ReservationHandler tracks nodes being reconfigured for a job (pending)
// and nodes whose configuration now matches it (ready). A node holds at most
// one reservation.
type ReservationHandler struct {
	mu         sync.Mutex
	nodes      map[string]Reservable
	pending    map[string]string
	ready      map[string]string
	jobPending map[string]map[string]struct{}
	jobReady   map[string]map[string]struct{}
}

// NewReservationHandler creates an empty handler.
func NewReservationHandler() *ReservationHandler {
	return &ReservationHandler{
		nodes:      make(map[string]Reservable),
		pending:    make(map[string]string),
		ready:      make(map[string]string),
		jobPending: make(map[string]map[string]struct{}),
		jobReady:   make(map[string]map[string]struct{}),
	}
}

// Reserve marks n as pending reconfiguration for a job, replacing any
// reservation it held.
func (h *ReservationHandler) Reserve(jobUUID string, n Reservable) {
	h.mu.Lock()
	id := n.UUID()
	h.clearLocked(id)
	h.nodes[id] = n
	h.pending[id] = jobUUID
	addTo(h.jobPending, jobUUID, id)
	h.mu.Unlock()

	n.SetReservation(jobUUID, "")
}

// OnNodeConfigured is called when n reports a new configuration along with
// the job it was reserved for. The reservation moves from pending to ready
// if it matches. It returns false when n held no pending reservation for
// that job.
func (h *ReservationHandler) OnNodeConfigured(n Reservable, reservedJob string) bool {
	h.mu.Lock()
	id := n.UUID()
	if reservedJob == "" || h.pending[id] != reservedJob {
		h.mu.Unlock()
		return false
	}
	delete(h.pending, id)
	removeFrom(h.jobPending, reservedJob, id)
	h.ready[id] = reservedJob
	addTo(h.jobReady, reservedJob, id)
	h.nodes[id] = n
	h.mu.Unlock()

	n.SetReservation("", reservedJob)
	return true
}

// RemoveNode drops every reservation held by a node.
func (h *ReservationHandler) RemoveNode(n Reservable) {
	h.mu.Lock()
	_, known := h.nodes[n.UUID()]
	h.clearLocked(n.UUID())
	h.mu.Unlock()

	if known {
		n.SetReservation("", "")
	}
}

// RemoveJob drops the reservations made for a job that completed or was
// cancelled.
func (h *ReservationHandler) RemoveJob(jobUUID string) {
	h.mu.Lock()
	var released []Reservable
	for id := range h.jobPending[jobUUID] {
		delete(h.pending, id)
		if n, ok := h.nodes[id]; ok {
			released = append(released, n)
			delete(h.nodes, id)
		}
	}
	for id := range h.jobReady[jobUUID] {
		delete(h.ready, id)
		if n, ok := h.nodes[id]; ok {
			released = append(released, n)
			delete(h.nodes, id)
		}
	}
	delete(h.jobPending, jobUUID)
	delete(h.jobReady, jobUUID)
	h.mu.Unlock()

	for _, n := range released {
		n.SetReservation("", "")
	}
}

// PendingJob returns the job a node is being reconfigured for.
func (h *ReservationHandler) PendingJob(nodeUUID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending[nodeUUID]
}

// ReadyJob returns the job a node is configured and reserved for.
func (h *ReservationHandler) ReadyJob(nodeUUID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready[nodeUUID]
}

// ReservedCount returns the number of nodes pending or ready for a job.
func (h *ReservationHandler) ReservedCount(jobUUID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobPending[jobUUID]) + len(h.jobReady[jobUUID])
}

// ReadyNodes returns the uuids of the nodes ready for a job, sorted.
func (h *ReservationHandler) ReadyNodes(jobUUID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.jobReady[jobUUID]))
	for id := range h.jobReady[jobUUID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the reservation maps.
func (h *ReservationHandler) Snapshot() Reservations {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Reservations{
		Pending: make(map[string]string, len(h.pending)),
		Ready:   make(map[string]string, len(h.ready)),
	}
	for k, v := range h.pending {
		r.Pending[k] = v
	}
	for k, v := range h.ready {
		r.Ready[k] = v
	}
	return r
}

func (h *ReservationHandler) clearLocked(nodeUUID string) {
	if job, ok := h.pending[nodeUUID]; ok {
		delete(h.pending, nodeUUID)
		removeFrom(h.jobPending, job, nodeUUID)
	}
	if job, ok := h.ready[nodeUUID]; ok {
		delete(h.ready, nodeUUID)
		removeFrom(h.jobReady, job, nodeUUID)
	}
	delete(h.nodes, nodeUUID)
}

func addTo(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
