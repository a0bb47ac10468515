package model

// Payment kinds fetched alongside a session.
const (
	KindPayment    = "payment"
	KindAdjustment = "adjustment"
)

type Payment struct {
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	Kind            string `json:"kind"`
	Amount          int64  `json:"amount"`
	DueDate         string `json:"due_date,omitempty"`
	PaidDate        string `json:"paid_date,omitempty"`
	TransactionDate string `json:"transaction_date"`
	Status          string `json:"status"`
}

// Session is one scheduled business record. Date is "YYYY-MM-DD" and
// determines the period the session is cached under.
type Session struct {
	ID         string    `json:"id"`
	Date       string    `json:"date"`
	Time       string    `json:"time"`
	ClientID   string    `json:"client_id"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	PaidAmount int64     `json:"paid_amount"`
	Notes      string    `json:"notes,omitempty"`
	Payments   []Payment `json:"payments"`
}

// Period returns the partition of the session, or the zero Period when the
// date is malformed.
func (s Session) Period() Period {
	p, _ := PeriodOf(s.Date)
	return p
}

// Clone returns a copy that shares no slices with s.
func (s Session) Clone() Session {
	if s.Payments != nil {
		s.Payments = append([]Payment(nil), s.Payments...)
	}
	return s
}

// CloneSessions deep-copies a record list.
func CloneSessions(in []Session) []Session {
	if in == nil {
		return nil
	}
	out := make([]Session, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// Patch is a partial update of a session. Nil fields are left untouched.
type Patch struct {
	Date       *string `json:"date,omitempty"`
	Time       *string `json:"time,omitempty"`
	Status     *string `json:"status,omitempty"`
	Amount     *int64  `json:"amount,omitempty"`
	PaidAmount *int64  `json:"paid_amount,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Date == nil && p.Time == nil && p.Status == nil &&
		p.Amount == nil && p.PaidAmount == nil && p.Notes == nil
}

// Apply returns s with the patch fields applied.
func (p Patch) Apply(s Session) Session {
	s = s.Clone()
	if p.Date != nil {
		s.Date = *p.Date
	}
	if p.Time != nil {
		s.Time = *p.Time
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Amount != nil {
		s.Amount = *p.Amount
	}
	if p.PaidAmount != nil {
		s.PaidAmount = *p.PaidAmount
	}
	if p.Notes != nil {
		s.Notes = *p.Notes
	}
	return s
}

// MovesPeriod reports whether applying p would place s in another period.
func (p Patch) MovesPeriod(s Session) bool {
	if p.Date == nil {
		return false
	}
	next, err := PeriodOf(*p.Date)
	return err == nil && next != s.Period()
}
