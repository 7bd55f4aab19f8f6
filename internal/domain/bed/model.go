package bed

import (
	"time"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusOccupied  Status = "OCCUPIED"
)

func (s Status) Valid() bool {
	return s == StatusAvailable || s == StatusOccupied
}

// Bed maps to the bed table. AdmissionID is set exactly when the bed is
// OCCUPIED.
type Bed struct {
	ID           uuid.UUID         `db:"id" json:"id"`
	Code         string            `db:"code" json:"code"`
	WardName     *string           `db:"ward_name" json:"ward_name,omitempty"`
	RoomCategory ward.RoomCategory `db:"room_category" json:"room_category"`
	DailyRate    decimal.Decimal   `db:"daily_rate" json:"daily_rate"`
	Status       Status            `db:"status" json:"status"`
	AdmissionID  *uuid.UUID        `db:"admission_id" json:"admission_id,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status       Status
	RoomCategory ward.RoomCategory
}
