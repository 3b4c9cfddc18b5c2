package models

// ActivityStatus is the lifecycle state of an Activity
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityProcessed ActivityStatus = "processed"
	ActivityPublished ActivityStatus = "published"
)

func (s ActivityStatus) rank() int {
	switch s {
	case ActivityPending:
		return 0
	case ActivityProcessed:
		return 1
	case ActivityPublished:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Staying in place is allowed so repeated advances are no-ops.
func (s ActivityStatus) CanAdvanceTo(next ActivityStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// ContentStatus is the lifecycle state of a Content
type ContentStatus string

const (
	ContentPending    ContentStatus = "pending"
	ContentApproved   ContentStatus = "approved"
	ContentEdited     ContentStatus = "edited"
	ContentRejected   ContentStatus = "rejected"
	ContentPublishing ContentStatus = "publishing" // claimed by the publish run posting it
	ContentPosted     ContentStatus = "posted"
	ContentFailed     ContentStatus = "failed"
)

var contentTransitions = map[ContentStatus][]ContentStatus{
	ContentPending:    {ContentApproved, ContentRejected, ContentEdited},
	ContentEdited:     {ContentApproved, ContentRejected, ContentEdited},
	ContentApproved:   {ContentPublishing, ContentPosted, ContentRejected, ContentEdited, ContentFailed},
	ContentPublishing: {ContentPosted, ContentFailed, ContentApproved},
}

// CanTransitionTo reports whether the content lattice allows s -> next
func (s ContentStatus) CanTransitionTo(next ContentStatus) bool {
	for _, allowed := range contentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AwaitingApproval reports whether the content sits in the approval gate
func (s ContentStatus) AwaitingApproval() bool {
	return s == ContentPending || s == ContentEdited
}

// Terminal reports whether no further transitions are possible
func (s ContentStatus) Terminal() bool {
	return len(contentTransitions[s]) == 0
}

// Live reports whether the content still holds a claim on its activities
func (s ContentStatus) Live() bool {
	return s == ContentPending || s == ContentEdited || s.Committed()
}

// Committed reports whether the content is approved for, being posted to, or
// already on the platform
func (s ContentStatus) Committed() bool {
	return s == ContentApproved || s == ContentPublishing || s == ContentPosted
}
