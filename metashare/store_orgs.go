package metashare

import (
	"time"

	"github.com/golang/glog"
)

func concernFlag(org *Org, concern OrgConcern) *bool {
	switch concern {
	case ConcernRefreshChanges:
		return &org.CurrentlyRefreshingChanges
	case ConcernCaptureChanges:
		return &org.CurrentlyCapturingChanges
	case ConcernRefreshOrg:
		return &org.CurrentlyRefreshingOrg
	case ConcernReassignUser:
		return &org.CurrentlyReassigningUser
	default:
		return nil
	}
}

// IsInFlight reports whether the concern is between requested and its terminal event
func (self *Org) IsInFlight(concern OrgConcern) bool {
	if flag := concernFlag(self, concern); flag != nil {
		return *flag
	}
	return false
}

// mergeOrg takes `snapshot` as the new org, except that a concern in flight on `prev`
// stays in flight unless the snapshot is authoritative for that concern.
func mergeOrg(prev *Org, snapshot *Org, authoritative OrgConcern) *Org {
	merged := *snapshot
	if prev == nil || prev.Id != snapshot.Id {
		return &merged
	}
	for _, concern := range orgConcerns {
		if concern == authoritative {
			continue
		}
		if prev.IsInFlight(concern) {
			*concernFlag(&merged, concern) = true
		}
	}
	return &merged
}

func withConcernFlag(org *Org, concern OrgConcern, value bool) *Org {
	next := *org
	if flag := concernFlag(&next, concern); flag != nil {
		*flag = value
	}
	return &next
}

// withOrg upserts into the slot named by the org type.
// concerns in flight on the stored copy are kept.
func (self *State) withOrg(org *Org) *State {
	return self.withOrgSnapshot(org, "")
}

func (self *State) withOrgSnapshot(org *Org, authoritative OrgConcern) *State {
	if org == nil {
		return self
	}
	if !org.OrgType.IsValid() {
		glog.V(1).Infof("[store]drop org %s with type \"%s\"\n", org.Id, org.OrgType)
		return self
	}
	orgs := self.Orgs[org.Task]
	merged := mergeOrg(orgs.Get(org.OrgType), org, authoritative)
	return self.withTaskOrgs(org.Task, orgs.with(org.OrgType, merged))
}

// withoutOrg clears the slot when it still holds the same org.
// a slot that was already reused by a newer org is left alone.
func (self *State) withoutOrg(org *Org) *State {
	if org == nil || !org.OrgType.IsValid() {
		return self
	}
	orgs, ok := self.Orgs[org.Task]
	if !ok {
		// materialize the task key so a later lookup sees the empty slot
		return self.withTaskOrgs(org.Task, &TaskOrgs{})
	}
	existing := orgs.Get(org.OrgType)
	if existing != nil && existing.Id != org.Id {
		return self
	}
	return self.withTaskOrgs(org.Task, orgs.with(org.OrgType, nil))
}

func (self *State) withOrgDeleteQueued(org *Org, queuedAt time.Time) *State {
	if org == nil {
		return self
	}
	base := org
	if existing := self.Org(org.Task, org.OrgType); existing != nil && existing.Id == org.Id {
		base = existing
	}
	next := *base
	next.DeleteQueuedAt = &queuedAt
	return self.withOrg(&next)
}

// withOrgPage replaces the slots of each task covered by the page
func (self *State) withOrgPage(filters Filters, orgs []*Org) *State {
	byTask := map[string]*TaskOrgs{}
	if taskId, ok := filters[FilterTask]; ok {
		byTask[taskId] = &TaskOrgs{Fetched: true}
	}
	for _, org := range orgs {
		if !org.OrgType.IsValid() {
			continue
		}
		taskOrgs, ok := byTask[org.Task]
		if !ok {
			taskOrgs = &TaskOrgs{Fetched: true}
		}
		byTask[org.Task] = taskOrgs.with(
			org.OrgType,
			mergeOrg(self.Org(org.Task, org.OrgType), org, ""),
		)
	}
	next := self
	for taskId, taskOrgs := range byTask {
		next = next.withTaskOrgs(taskId, taskOrgs)
	}
	return next
}

// the concern a push type completes, and whether it is the failure
func pushConcern(eventType PushEventType) (concern OrgConcern, failed bool) {
	switch eventType {
	case PushOrgUpdated:
		return ConcernRefreshChanges, false
	case PushOrgUpdateFailed:
		return ConcernRefreshChanges, true
	case PushOrgCommitted:
		return ConcernCaptureChanges, false
	case PushOrgCommitFailed:
		return ConcernCaptureChanges, true
	case PushOrgRefreshed:
		return ConcernRefreshOrg, false
	case PushOrgRefreshFailed:
		return ConcernRefreshOrg, true
	case PushOrgReassigned:
		return ConcernReassignUser, false
	case PushOrgReassignFailed:
		return ConcernReassignUser, true
	default:
		return "", false
	}
}

// every non-destructive org push is one "org upserted" merge.
// the wire type only selects which concern the snapshot completes.
func (self *State) withOrgPush(event *OrgPushEvent) *State {
	if event.Model == nil {
		return self
	}
	switch event.Type {
	case PushOrgProvisionFailed, PushOrgDeleted, PushOrgRemoved:
		return self.withoutOrg(event.Model)
	}
	concern, failed := pushConcern(event.Type)
	next := self.withOrgSnapshot(event.Model, concern)
	if failed {
		org := next.Org(event.Model.Task, event.Model.OrgType)
		if org != nil && org.Id == event.Model.Id {
			next = next.withTaskOrgs(
				event.Model.Task,
				next.Orgs[event.Model.Task].with(org.OrgType, withConcernFlag(org, concern, false)),
			)
		}
	}
	return next
}

func (self *State) withOrgConcern(event *OrgConcernEvent) *State {
	if event.Org == nil || concernFlag(event.Org, event.Concern) == nil {
		return self
	}
	switch event.Phase {
	case OrgRequested, OrgRejected:
		base := event.Org
		if existing := self.Org(event.Org.Task, event.Org.OrgType); existing != nil && existing.Id == event.Org.Id {
			base = existing
		}
		return self.withOrgSnapshot(
			withConcernFlag(base, event.Concern, event.Phase == OrgRequested),
			event.Concern,
		)
	case OrgAccepted, OrgSucceeded:
		return self.withOrgSnapshot(event.Org, event.Concern)
	default:
		return self
	}
}
