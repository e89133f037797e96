package model

// API request/response shapes.

type OptimizeRequest struct {
    Mode        Mode         `json:"mode" validate:"required,mode"`
    Speed       Speed        `json:"speed,omitempty" validate:"omitempty,oneof=quick thorough"`
    ServiceDay  Weekday      `json:"serviceDay,omitempty" validate:"omitempty,weekday"`
    Horizon     []Weekday    `json:"horizon,omitempty" validate:"omitempty,dive,weekday"`
    TechIDs     []string     `json:"techIds,omitempty" validate:"omitempty,dive,required"`
    AvgSpeedMph float64      `json:"avgSpeedMph,omitempty" validate:"omitempty,gt=0,lte=90"`
    Seed        int64        `json:"seed,omitempty"`
    Weights     *Weights     `json:"weights,omitempty"`
    // Optional inline snapshot; when empty the organization's stored records are used.
    Stops       []Stop       `json:"stops,omitempty" validate:"omitempty,dive"`
    Technicians []Technician `json:"technicians,omitempty" validate:"omitempty,dive"`
}

// Weights are the objective coefficients. Zero fields take the configured defaults.
type Weights struct {
    DriveMinutes  float64 `json:"driveMinutes" yaml:"drive_minutes" validate:"gte=0"`
    DistanceMiles float64 `json:"distanceMiles" yaml:"distance_miles" validate:"gte=0"`
    Unassigned    float64 `json:"unassigned" yaml:"unassigned" validate:"gte=0"`
    Reassignment  float64 `json:"reassignment" yaml:"reassignment" validate:"gte=0"`
}

type OptimizeResponse struct {
    Routes     []Route               `json:"routes"`
    Summary    Summary               `json:"summary"`
    Unassigned []Unassigned          `json:"unassigned"`
    Days       map[Weekday]DayResult `json:"days,omitempty"`
    Moves      []DayMove             `json:"moves,omitempty"`
    Seed       int64                 `json:"seed"`
}

// DayResult is one day of a cross-day run.
type DayResult struct {
    Routes     []Route      `json:"routes"`
    Summary    Summary      `json:"summary"`
    Unassigned []Unassigned `json:"unassigned"`
    Seed       int64        `json:"seed,omitempty"`
    Error      string       `json:"error,omitempty"`
}

// DayMove records a recurring customer moved to an alternate day pattern by the balancer.
type DayMove struct {
    StopID string    `json:"stopId"`
    From   []Weekday `json:"from"`
    To     []Weekday `json:"to"`
}

type JobState string

const (
    JobQueued    JobState = "queued"
    JobRunning   JobState = "running"
    JobSucceeded JobState = "succeeded"
    JobFailed    JobState = "failed"
    JobCancelled JobState = "cancelled"
)

type JobStatus struct {
    ID         string            `json:"id"`
    OrgID      string            `json:"orgId"`
    State      JobState          `json:"state"`
    Mode       Mode              `json:"mode"`
    ServiceDay Weekday           `json:"serviceDay,omitempty"`
    CreatedAt  string            `json:"createdAt"`
    FinishedAt string            `json:"finishedAt,omitempty"`
    Error      string            `json:"error,omitempty"`
    ErrorClass string            `json:"errorClass,omitempty"`
    Result     *OptimizeResponse `json:"result,omitempty"`
}

type SubscriptionRequest struct {
    OrgID  string   `json:"orgId"`
    URL    string   `json:"url" validate:"required,url"`
    Events []string `json:"events" validate:"required,min=1"`
    Secret string   `json:"secret"`
}

type Subscription struct {
    ID     string   `json:"id"`
    OrgID  string   `json:"orgId"`
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret,omitempty"`
}

// OptimizerSettings are an organization's saved defaults for optimize requests.
type OptimizerSettings struct {
    Speed              Speed    `json:"speed,omitempty" yaml:"speed" validate:"omitempty,oneof=quick thorough"`
    Weights            *Weights `json:"weights,omitempty" yaml:"weights"`
    AvgSpeedMph        float64  `json:"avgSpeedMph,omitempty" yaml:"avg_speed_mph" validate:"omitempty,gt=0,lte=90"`
    ImbalanceThreshold float64  `json:"imbalanceThreshold,omitempty" yaml:"imbalance_threshold" validate:"omitempty,gt=0,lt=1"`
}

// PlanMetrics is the persisted record of one day's optimization run.
type PlanMetrics struct {
    OrgID           string  `json:"orgId"`
    ServiceDay      Weekday `json:"serviceDay"`
    Mode            Mode    `json:"mode"`
    JobID           string  `json:"jobId,omitempty"`
    Seed            int64   `json:"seed"`
    Iterations      int     `json:"iterations"`
    Improvements    int     `json:"improvements"`
    AcceptedWorse   int     `json:"acceptedWorse"`
    InitialCost     float64 `json:"initialCost"`
    BestCost        float64 `json:"bestCost"`
    StopReason      string  `json:"stopReason"`
    ElapsedMs       int64   `json:"elapsedMs"`
    MatrixSource    string  `json:"matrixSource,omitempty"`
    Routes          int     `json:"routes"`
    Stops           int     `json:"stops"`
    Unassigned      int     `json:"unassigned"`
    DistanceMiles   float64 `json:"distanceMiles"`
    DurationMinutes float64 `json:"durationMinutes"`
    CreatedAt       string  `json:"createdAt,omitempty"`
}
