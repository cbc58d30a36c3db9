package collab

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Itinerary is the shared document: an ordered list of days, each with
// an ordered list of activities. The actor owns the authoritative
// in-memory copy; the durable copy is replaced wholesale on every
// successful edit.
type Itinerary struct {
	ID          string `json:"id"`
	Title       string `json:"title" validate:"required"`
	Destination string `json:"destination,omitempty"`
	StartDate   string `json:"startDate,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
	Days        []*Day `json:"days" validate:"dive"`
}

// Day holds one day's ordered activities.
type Day struct {
	DayNumber  int         `json:"dayNumber" validate:"gte=1"`
	Date       string      `json:"date,omitempty"`
	Activities []*Activity `json:"activities" validate:"dive"`
}

// Activity is one itinerary entry. IDs are assumed globally unique
// across days, not just within one day.
type Activity struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Time     string `json:"time,omitempty"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Category string `json:"category,omitempty"`
}

// ActivityPatch is a shallow merge into an existing activity. Nil
// fields are left untouched.
type ActivityPatch struct {
	Name     *string `json:"name,omitempty"`
	Time     *string `json:"time,omitempty"`
	Location *string `json:"location,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Category *string `json:"category,omitempty"`
}

// ItineraryPatch is a shallow merge into the document's top-level
// fields. It never touches Days.
type ItineraryPatch struct {
	Title       *string `json:"title,omitempty"`
	Destination *string `json:"destination,omitempty"`
	StartDate   *string `json:"startDate,omitempty"`
	EndDate     *string `json:"endDate,omitempty"`
}

// Validate checks the document's tagged schema at the actor boundary so
// malformed payloads fail fast instead of propagating into the
// in-memory tree.
func (doc *Itinerary) Validate() error {
	if doc == nil {
		return fmt.Errorf("document is required")
	}
	if err := validate.Struct(doc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	return nil
}
