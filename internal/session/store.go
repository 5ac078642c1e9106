package session

import (
	"time"
)

// SavedSession is the single persisted session record. Absent record means
// no saved session; there is no schema versioning beyond that.
type SavedSession struct {
	RoomCode               string     `json:"roomCode"`
	PartnerName            string     `json:"partnerName"`
	FirstConnectedAt       time.Time  `json:"firstConnectedAt"`
	LastConnectedAt        time.Time  `json:"lastConnectedAt"`
	ActiveSessionStartedAt *time.Time `json:"activeSessionStartedAt,omitempty"`
}

// Store persists the saved session record and the cumulative connected
// time counter across process restarts.
type Store interface {
	LoadSession() (*SavedSession, bool, error)
	SaveSession(s *SavedSession) error
	ForgetSession() error
	CumulativeSeconds() (int64, error)
	AddCumulativeSeconds(delta int64) error
	Close() error
}

// ReconcileStartup credits connected time that elapsed while the process
// was not running. If the record still carries ActiveSessionStartedAt the
// process died mid-session; the gap between that stamp and now is credited
// once and the stamp cleared. This over-counts if the partner left during
// the gap — accepted trade, the record holds no partner liveness.
func ReconcileStartup(store Store, now time.Time) (int64, error) {
	saved, ok, err := store.LoadSession()
	if err != nil {
		return 0, err
	}
	if !ok || saved.ActiveSessionStartedAt == nil {
		return 0, nil
	}

	credited := int64(now.Sub(*saved.ActiveSessionStartedAt).Seconds())
	if credited < 0 {
		credited = 0
	}
	if credited > 0 {
		if err := store.AddCumulativeSeconds(credited); err != nil {
			return 0, err
		}
	}

	saved.ActiveSessionStartedAt = nil
	saved.LastConnectedAt = now
	if err := store.SaveSession(saved); err != nil {
		return credited, err
	}
	return credited, nil
}
