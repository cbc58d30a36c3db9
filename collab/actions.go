package collab

import (
	"fmt"
	"time"
)

// ActionType discriminates the EditAction variants.
type ActionType string

const (
	ActionActivityAdd     ActionType = "activity-add"
	ActionActivityUpdate  ActionType = "activity-update"
	ActionActivityDelete  ActionType = "activity-delete"
	ActionItineraryUpdate ActionType = "itinerary-update"
)

// EditAction is one tagged mutation. The actor stamps UserID and
// Timestamp at accept time; clients never control them.
type EditAction struct {
	Type      ActionType `json:"type"`
	UserID    string     `json:"userId,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitzero"`

	// activity-add
	DayNumber int       `json:"dayNumber,omitempty"`
	Activity  *Activity `json:"activity,omitempty"`

	// activity-update / activity-delete
	ActivityID string         `json:"activityId,omitempty"`
	Updates    *ActivityPatch `json:"updates,omitempty"`

	// itinerary-update
	Patch *ItineraryPatch `json:"patch,omitempty"`
}

// Validate enforces the per-variant payload requirements.
func (a *EditAction) Validate() error {
	switch a.Type {
	case ActionActivityAdd:
		if a.DayNumber < 1 {
			return fmt.Errorf("activity-add: dayNumber must be >= 1")
		}
		if a.Activity == nil {
			return fmt.Errorf("activity-add: activity is required")
		}
		if err := validate.Struct(a.Activity); err != nil {
			return fmt.Errorf("activity-add: invalid activity: %w", err)
		}
	case ActionActivityUpdate:
		if a.ActivityID == "" {
			return fmt.Errorf("activity-update: activityId is required")
		}
		if a.Updates == nil {
			return fmt.Errorf("activity-update: updates is required")
		}
	case ActionActivityDelete:
		if a.ActivityID == "" {
			return fmt.Errorf("activity-delete: activityId is required")
		}
	case ActionItineraryUpdate:
		if a.Patch == nil {
			return fmt.Errorf("itinerary-update: patch is required")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Apply folds the action into the document and reports whether anything
// changed. The fold is deterministic: linear scan in stored order,
// first id match wins, and an add targeting a day number that does not
// exist is dropped without effect.
func (doc *Itinerary) Apply(a EditAction) bool {
	switch a.Type {
	case ActionActivityAdd:
		for _, day := range doc.Days {
			if day.DayNumber == a.DayNumber {
				day.Activities = append(day.Activities, a.Activity)
				return true
			}
		}
		return false

	case ActionActivityUpdate:
		for _, day := range doc.Days {
			for _, act := range day.Activities {
				if act.ID == a.ActivityID {
					act.merge(a.Updates)
					return true
				}
			}
		}
		return false

	case ActionActivityDelete:
		for _, day := range doc.Days {
			for i, act := range day.Activities {
				if act.ID == a.ActivityID {
					day.Activities = append(day.Activities[:i], day.Activities[i+1:]...)
					return true
				}
			}
		}
		return false

	case ActionItineraryUpdate:
		p := a.Patch
		if p.Title != nil {
			doc.Title = *p.Title
		}
		if p.Destination != nil {
			doc.Destination = *p.Destination
		}
		if p.StartDate != nil {
			doc.StartDate = *p.StartDate
		}
		if p.EndDate != nil {
			doc.EndDate = *p.EndDate
		}
		return true
	}
	return false
}

func (act *Activity) merge(p *ActivityPatch) {
	if p.Name != nil {
		act.Name = *p.Name
	}
	if p.Time != nil {
		act.Time = *p.Time
	}
	if p.Location != nil {
		act.Location = *p.Location
	}
	if p.Notes != nil {
		act.Notes = *p.Notes
	}
	if p.Category != nil {
		act.Category = *p.Category
	}
}
