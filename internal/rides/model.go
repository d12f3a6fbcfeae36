package rides

import (
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
)

// Source records where a ride came from. It is fixed at creation.
type Source string

const (
	// SourceManual marks a ride entered by hand.
	SourceManual Source = "manual"
	// SourceStrava marks a ride ingested from Strava.
	SourceStrava Source = "strava"
	// SourceGarmin marks a ride ingested from Garmin.
	SourceGarmin Source = "garmin"
)

// SourceForProvider returns the ride source for a vendor.
func SourceForProvider(provider vendor.Provider) Source {
	switch provider {
	case vendor.ProviderStrava:
		return SourceStrava
	case vendor.ProviderGarmin:
		return SourceGarmin
	default:
		return SourceManual
	}
}

// Attribution records why a ride points at its bike.
type Attribution string

const (
	// AttributionNone means the ride has no bike.
	AttributionNone Attribution = ""
	// AttributionManual means the user chose the bike.
	AttributionManual Attribution = "manual"
	// AttributionGearMapping means a gear mapping chose the bike.
	AttributionGearMapping Attribution = "gear_mapping"
	// AttributionSingleBike means the bike was the user's only bike when the ride arrived.
	AttributionSingleBike Attribution = "single_bike"
	// AttributionCleared means the user removed the bike. Re-deliveries leave it unassigned.
	AttributionCleared Attribution = "cleared"
)

// Slot names the position a component occupies on a bike.
type Slot string

const (
	SlotFork          Slot = "fork"
	SlotShock         Slot = "shock"
	SlotDropper       Slot = "dropper"
	SlotWheels        Slot = "wheels"
	SlotPivotBearings Slot = "pivot_bearings"
	SlotOther         Slot = "other"
)

func (s Slot) valid() bool {
	switch s {
	case SlotFork, SlotShock, SlotDropper, SlotWheels, SlotPivotBearings, SlotOther:
		return true
	default:
		return false
	}
}

// Bike is a piece of owned equipment rides are attributed to.
type Bike struct {
	ID         string      `gorm:"column:bike_id;primaryKey;size:190;not null" json:"id"`
	UserID     string      `gorm:"column:user_id;size:190;not null;index" json:"-"`
	Name       string      `gorm:"column:name;size:190;not null" json:"name"`
	Brand      string      `gorm:"column:brand;size:190;not null;default:''" json:"brand,omitempty"`
	Model      string      `gorm:"column:model;size:190;not null;default:''" json:"model,omitempty"`
	CreatedAt  time.Time   `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	Components []Component `gorm:"-" json:"components"`
}

// TableName provides the explicit table binding for GORM.
func (Bike) TableName() string {
	return "bikes"
}

// Component wears with ride time while mounted on a bike. A nil BikeID marks a spare.
type Component struct {
	ID                string    `gorm:"column:component_id;primaryKey;size:190;not null" json:"id"`
	UserID            string    `gorm:"column:user_id;size:190;not null;index:idx_components_user_bike,priority:1" json:"-"`
	BikeID            *string   `gorm:"column:bike_id;size:190;index:idx_components_user_bike,priority:2" json:"bikeId"`
	Slot              Slot      `gorm:"column:slot;size:32;not null" json:"slot"`
	Brand             string    `gorm:"column:brand;size:190;not null;default:''" json:"brand,omitempty"`
	Model             string    `gorm:"column:model;size:190;not null;default:''" json:"model,omitempty"`
	IsStock           bool      `gorm:"column:is_stock;not null;default:false" json:"isStock"`
	ServiceDueAtHours *float64  `gorm:"column:service_due_at_hours" json:"serviceDueAtHours"`
	HoursUsed         float64   `gorm:"column:hours_used;not null;default:0" json:"hoursUsed"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Component) TableName() string {
	return "components"
}

// Ride is one entry of the ride ledger. At most one external id is set and it never changes
// except when a merge carries a discarded ride's id over to the ride that was kept.
type Ride struct {
	ID                 string      `gorm:"column:ride_id;primaryKey;size:190;not null" json:"id"`
	UserID             string      `gorm:"column:user_id;size:190;not null;index:idx_rides_user_start,priority:1" json:"-"`
	Source             Source      `gorm:"column:source;size:16;not null" json:"source"`
	GarminActivityID   *string     `gorm:"column:garmin_activity_id;size:64;uniqueIndex" json:"garminActivityId"`
	StravaActivityID   *string     `gorm:"column:strava_activity_id;size:64;uniqueIndex" json:"stravaActivityId"`
	StartTime          time.Time   `gorm:"column:start_time;not null;index:idx_rides_user_start,priority:2" json:"startTime"`
	DurationSeconds    int         `gorm:"column:duration_seconds;not null;default:0" json:"durationSeconds"`
	DistanceMiles      float64     `gorm:"column:distance_miles;not null;default:0" json:"distanceMiles"`
	ElevationGainFeet  float64     `gorm:"column:elevation_gain_feet;not null;default:0" json:"elevationGainFeet"`
	AverageHR          *int        `gorm:"column:average_hr" json:"averageHr"`
	RideType           string      `gorm:"column:ride_type;size:64;not null;default:''" json:"rideType"`
	BikeID             *string     `gorm:"column:bike_id;size:190;index" json:"bikeId"`
	Attribution        Attribution `gorm:"column:attribution;size:32;not null;default:''" json:"attribution,omitempty"`
	GearID             string      `gorm:"column:gear_id;size:64;not null;default:'';index" json:"gearId,omitempty"`
	Notes              string      `gorm:"column:notes;type:text;not null;default:''" json:"notes"`
	TrailSystem        string      `gorm:"column:trail_system;size:190;not null;default:''" json:"trailSystem"`
	Location           string      `gorm:"column:location;size:190;not null;default:''" json:"location"`
	IsDuplicate        bool        `gorm:"column:is_duplicate;not null;default:false" json:"isDuplicate"`
	DuplicateOfID      *string     `gorm:"column:duplicate_of_id;size:190" json:"duplicateOfId"`
	DuplicateDismissed bool        `gorm:"column:duplicate_dismissed;not null;default:false" json:"-"`
	CreatedAt          time.Time   `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time   `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Ride) TableName() string {
	return "rides"
}

// State returns the part of the ride the hour engine accounts for.
func (r *Ride) State() RideState {
	if r == nil {
		return RideState{}
	}
	return RideState{BikeID: r.BikeID, DurationSeconds: r.DurationSeconds}
}

// ExternalID returns the ride's id at the provider, or "" for other providers.
func (r *Ride) ExternalID(provider vendor.Provider) string {
	var value *string
	switch provider {
	case vendor.ProviderStrava:
		value = r.StravaActivityID
	case vendor.ProviderGarmin:
		value = r.GarminActivityID
	}
	if value == nil {
		return ""
	}
	return *value
}

// SetExternalID sets the provider's id column.
func (r *Ride) SetExternalID(provider vendor.Provider, externalID string) {
	value := externalID
	switch provider {
	case vendor.ProviderStrava:
		r.StravaActivityID = &value
	case vendor.ProviderGarmin:
		r.GarminActivityID = &value
	}
}

// ExternalIDColumn names the column holding a provider's activity id.
func ExternalIDColumn(provider vendor.Provider) (string, bool) {
	switch provider {
	case vendor.ProviderStrava:
		return "strava_activity_id", true
	case vendor.ProviderGarmin:
		return "garmin_activity_id", true
	default:
		return "", false
	}
}

// GearMapping attributes a vendor gear id to a bike for one user. AppliedSeconds is the
// ride time currently attributed through the mapping.
type GearMapping struct {
	ID             string    `gorm:"column:mapping_id;primaryKey;size:190;not null" json:"id"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_gear_mappings_user_gear,priority:1" json:"-"`
	GearID         string    `gorm:"column:gear_id;size:64;not null;uniqueIndex:idx_gear_mappings_user_gear,priority:2" json:"gearId"`
	Provider       string    `gorm:"column:provider;size:32;not null" json:"provider"`
	BikeID         string    `gorm:"column:bike_id;size:190;not null" json:"bikeId"`
	AppliedSeconds int64     `gorm:"column:applied_seconds;not null;default:0" json:"appliedSeconds"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (GearMapping) TableName() string {
	return "gear_mappings"
}

// Models lists every table owned by the package, in migration order.
func Models() []any {
	return []any{&Bike{}, &Component{}, &Ride{}, &GearMapping{}}
}
