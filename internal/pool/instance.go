package pool

import (
	"time"

	"github.com/JakeFAU/stealth-fetcher/internal/browser"
)

// Status is the lifecycle state of a pooled instance.
type Status string

// Instance statuses.
const (
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusRecycling Status = "recycling"
	StatusUnhealthy Status = "unhealthy"
)

// Instance is one pooled driver. Callers only see instances they hold
// exclusively; every bookkeeping field is guarded by the pool mutex.
type Instance struct {
	id          string
	slot        int
	driver      browser.Driver
	createdAt   time.Time
	lastUsed    time.Time
	pagesServed int
	status      Status
	closed      bool
}

// ID returns the instance id.
func (i *Instance) ID() string {
	return i.id
}

// Driver returns the automation driver owned by the instance.
func (i *Instance) Driver() browser.Driver {
	return i.driver
}

// InstanceInfo is a point-in-time view of one pool slot.
type InstanceInfo struct {
	ID          string    `json:"id"`
	Slot        int       `json:"slot"`
	Status      Status    `json:"status"`
	PagesServed int       `json:"pages_served"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

func (i *Instance) info() InstanceInfo {
	return InstanceInfo{
		ID:          i.id,
		Slot:        i.slot,
		Status:      i.status,
		PagesServed: i.pagesServed,
		CreatedAt:   i.createdAt,
		LastUsed:    i.lastUsed,
	}
}
